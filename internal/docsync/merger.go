// Package docsync resolves concurrent edits to shared document buffers.
//
// Conflict policy is last-writer-wins at whole-content granularity: a patch
// against the current version replaces the buffer and increments the
// version; a patch against a stale version is rejected with the
// authoritative content so the client can rebase and resubmit. Nothing is
// ever silently dropped.
package docsync

import (
	"fmt"
	"sync"

	"casesync/internal/models"
)

// StaleVersionError carries the authoritative state back to a client whose
// patch lost the race.
type StaleVersionError struct {
	Version int64
	Content string
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version: document is at version %d", e.Version)
}

// ErrNoSession reports a patch for a document room nobody has joined.
type ErrNoSession struct {
	RoomKey string
}

func (e *ErrNoSession) Error() string {
	return fmt.Sprintf("no document session for room %s", e.RoomKey)
}

// ContentLoader seeds a new session from the durable record store. It is
// consulted once, on the first join to a document room.
type ContentLoader func(roomKey string) (content string, version int64, err error)

// Session holds one document room's shared buffer. The session mutex makes
// patch application single-writer: patches apply strictly in receipt order.
type Session struct {
	mu            sync.Mutex
	roomKey       string
	content       string
	version       int64
	collaborators map[string]struct{}
}

func (s *Session) State() models.DocStateData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.DocStateData{Version: s.version, Content: s.content}
}

// Merger owns every DocumentSession. Sessions are created lazily on attach
// and released when their room is destroyed.
type Merger struct {
	mu       sync.Mutex
	sessions map[string]*Session
	load     ContentLoader
}

func NewMerger(load ContentLoader) *Merger {
	return &Merger{
		sessions: make(map[string]*Session),
		load:     load,
	}
}

// Attach adds a collaborator, creating and seeding the session on first
// join. The returned state lets the client initialize its editor.
func (m *Merger) Attach(roomKey, connID string) (models.DocStateData, error) {
	m.mu.Lock()
	s, ok := m.sessions[roomKey]
	if !ok {
		var content string
		var version int64
		if m.load != nil {
			var err error
			content, version, err = m.load(roomKey)
			if err != nil {
				m.mu.Unlock()
				return models.DocStateData{}, fmt.Errorf("seed document %s: %w", roomKey, err)
			}
		}
		s = &Session{
			roomKey:       roomKey,
			content:       content,
			version:       version,
			collaborators: make(map[string]struct{}),
		}
		m.sessions[roomKey] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.collaborators[connID] = struct{}{}
	state := models.DocStateData{Version: s.version, Content: s.content}
	s.mu.Unlock()
	return state, nil
}

// Detach removes a collaborator. The session itself survives until Release.
func (m *Merger) Detach(roomKey, connID string) {
	m.mu.Lock()
	s, ok := m.sessions[roomKey]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.collaborators, connID)
	s.mu.Unlock()
}

// Release drops the session when its room is destroyed.
func (m *Merger) Release(roomKey string) {
	m.mu.Lock()
	delete(m.sessions, roomKey)
	m.mu.Unlock()
}

// Collaborators reports the attached connection ids.
func (m *Merger) Collaborators(roomKey string) []string {
	m.mu.Lock()
	s, ok := m.sessions[roomKey]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.collaborators))
	for id := range s.collaborators {
		ids = append(ids, id)
	}
	return ids
}

// SubmitPatch applies a whole-content patch against baseVersion. A match
// replaces the buffer and increments the version by exactly one; a
// mismatch returns StaleVersionError with the authoritative state.
func (m *Merger) SubmitPatch(roomKey, userID string, baseVersion int64, content string) (models.DocStateData, error) {
	m.mu.Lock()
	s, ok := m.sessions[roomKey]
	m.mu.Unlock()
	if !ok {
		return models.DocStateData{}, &ErrNoSession{RoomKey: roomKey}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if baseVersion != s.version {
		return models.DocStateData{}, &StaleVersionError{
			Version: s.version,
			Content: s.content,
		}
	}

	s.content = content
	s.version++
	return models.DocStateData{
		Version:  s.version,
		Content:  s.content,
		AuthorID: userID,
	}, nil
}
