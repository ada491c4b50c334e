package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/plate-viewer/internal/api"
	"github.com/rickgao/plate-viewer/internal/connection"
	"github.com/rickgao/plate-viewer/internal/metrics"
	"github.com/rickgao/plate-viewer/internal/plate"
	"github.com/rickgao/plate-viewer/internal/status"
	"github.com/rickgao/plate-viewer/internal/version"
)

// feedState is the part of the connection manager the HTTP handlers read.
type feedState interface {
	State() connection.State
	Attempts() int
}

// pinger checks a backing store. *pgxpool.Pool satisfies it.
type pinger interface {
	Ping(ctx context.Context) error
}

// serverStatus is the last feed server report. *poller.Poller satisfies it.
type serverStatus interface {
	Latest() (*api.FeedStatus, bool)
}

// serverDeps holds everything the HTTP endpoints report on.
type serverDeps struct {
	feed      feedState
	store     *plate.Store
	indicator *status.Indicator
	metrics   *metrics.Registry
	db        pinger       // nil when the recorder is disabled
	server    serverStatus // nil when status polling is disabled
	relayPath string       // empty when the relay is disabled
	relay     http.Handler
}

// createHandler creates the HTTP handler for health, scene and stats endpoints.
func createHandler(deps serverDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string                 `json:"status"`
			Version    version.Info           `json:"version"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]interface{}),
		}

		// Check feed
		state := deps.feed.State()
		health.Components["feed"] = map[string]interface{}{
			"state":    state.String(),
			"attempts": deps.feed.Attempts(),
			"label":    deps.indicator.Snapshot().Label,
		}
		switch state {
		case connection.StateConnected:
		case connection.StateFailed, connection.StateClosed:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		// Check feed server
		if deps.server != nil {
			if st, ok := deps.server.Latest(); ok {
				health.Components["feed_server"] = map[string]interface{}{
					"provider": st.ProviderStatus,
					"clients":  st.ActiveConnections,
				}
				if !st.Running() && health.Status == "healthy" {
					health.Status = "degraded"
				}
			} else {
				health.Components["feed_server"] = "unknown"
			}
		}

		// Check database
		if deps.db != nil {
			if err := deps.db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/scene", func(w http.ResponseWriter, r *http.Request) {
		latest, ok := deps.store.Latest()

		if r.URL.Query().Get("format") == "text" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Write([]byte(plate.FormatInfo(latest)))
			return
		}

		scene := struct {
			Status   status.Snapshot  `json:"status"`
			Snapshot *plate.Snapshot  `json:"snapshot"`
			Plates   []plate.Plate    `json:"plates"`
			Info     string           `json:"info,omitempty"`
			Stats    plate.StoreStats `json:"stats"`
		}{
			Status: deps.indicator.Snapshot(),
			Plates: deps.store.Plates(),
			Stats:  deps.store.Stats(),
		}
		if ok {
			scene.Snapshot = &latest
			scene.Info = plate.FormatInfo(latest)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(scene)
	})

	mux.Handle("/stats", deps.metrics.Handler())

	if deps.relay != nil && deps.relayPath != "" {
		mux.Handle(deps.relayPath, deps.relay)
	}

	return mux
}
