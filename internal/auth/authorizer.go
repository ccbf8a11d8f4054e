package auth

import "casesync/internal/models"

// Authorizer decides whether a user may join a room. The room registry
// checks this synchronously before granting membership.
type Authorizer interface {
	CanJoin(userID, roomKey string) bool
}

type Role string

const (
	RoleViewer    Role = "viewer"
	RoleAssistant Role = "assistant"
	RoleAttorney  Role = "attorney"
	RoleAdmin     Role = "admin"
)

func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAssistant, RoleAttorney, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// RoleAuthorizer grants joins from a role lookup and a per-room-kind floor.
// Viewers can watch case and timeline rooms but cannot enter document or
// chat rooms, which imply write access.
type RoleAuthorizer struct {
	Lookup func(userID string) Role
}

func (a *RoleAuthorizer) CanJoin(userID, roomKey string) bool {
	kind := models.ParseRoomKind(roomKey)
	if kind == "" {
		return false
	}

	role := RoleViewer
	if a.Lookup != nil {
		role = a.Lookup(userID)
	}

	switch role {
	case RoleAdmin, RoleAttorney, RoleAssistant:
		return true
	case RoleViewer:
		return kind == models.RoomCase || kind == models.RoomTimeline
	default:
		return false
	}
}

// AllowAll is the development authorizer.
type AllowAll struct{}

func (AllowAll) CanJoin(string, string) bool { return true }
