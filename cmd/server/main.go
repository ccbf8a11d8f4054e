package main

import (
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"casesync/internal/activity"
	"casesync/internal/auth"
	"casesync/internal/config"
	"casesync/internal/docsync"
	"casesync/internal/models"
	"casesync/internal/presence"
	"casesync/internal/redis"
	"casesync/internal/room"
	"casesync/internal/ws"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	verifier, err := auth.NewVerifier(cfg.AuthIssuerURL)
	if err != nil {
		log.Fatal("Failed to initialize JWKS:", err)
	}
	stop := make(chan struct{})
	go verifier.RefreshLoop(24*time.Hour, stop)

	redisClient := redis.NewClient(cfg.RedisURL)
	defer redisClient.Close()

	activityLog := activity.NewLog(redisClient.DB(), cfg.ActivityHistoryLimit)
	timelineStore := activity.NewTimelineStore(redisClient.DB())
	history := activity.NewHistory(redisClient.DB(), cfg.RoomHistoryLimit)
	merger := docsync.NewMerger(nil)

	// The tracker publishes through the registry and the registry reports
	// membership edges to the tracker, so wire the cycle through a closure.
	var registry *room.Registry
	tracker := presence.NewTracker(func(roomKey string, data models.PresenceChangedData) {
		if registry == nil {
			return
		}
		if _, err := registry.Publish(roomKey, models.KindPresenceChanged, data.UserID, data, ""); err != nil &&
			!errors.Is(err, room.ErrRoomNotFound) {
			slog.Error("Failed to broadcast presence change", "room", roomKey, "error", err)
		}
	}, cfg.IdleAwayTimeout)

	// Roles ride on the JWT; a user with no open connection stays a viewer.
	var manager *ws.Manager
	registry = room.NewRegistry(room.Deps{
		Authorizer: &auth.RoleAuthorizer{Lookup: func(userID string) auth.Role {
			if manager == nil {
				return auth.RoleViewer
			}
			return auth.NormalizeRole(manager.RoleOf(userID))
		}},
		Presence: tracker,
		Events:   history,
		Mirror:   redisClient.MirrorEvent,
		Merger:   merger,
		Activity: activityLog,
		Timeline: timelineStore,
	})

	manager = ws.NewManager(registry, tracker, activityLog, cfg.HeartbeatInterval)
	go manager.RunSweeper(stop)
	go tracker.RunSweeper(time.Minute, stop)
	go redis.SubscribeToEvents(redisClient, registry, tracker)

	http.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(manager, verifier, w, r)
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	slog.Info("Realtime server starting", "port", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, nil))
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
