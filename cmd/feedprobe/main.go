// feedprobe connects to a plate feed and prints decoded snapshots to the console.
// Usage: go run ./cmd/feedprobe --url ws://localhost:8000/ws --status
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/plate-viewer/internal/api"
	"github.com/rickgao/plate-viewer/internal/connection"
	"github.com/rickgao/plate-viewer/internal/plate"
	"github.com/rickgao/plate-viewer/internal/recorder"
)

// queued is one snapshot waiting to be printed.
type queued struct {
	snap plate.Snapshot
	at   time.Time
}

func main() {
	feedURL := flag.String("url", "ws://localhost:8000/ws", "feed WebSocket URL")
	interval := flag.Duration("interval", connection.DefaultReconnectInterval, "delay between reconnect attempts")
	maxAttempts := flag.Int("max-attempts", connection.DefaultMaxReconnectAttempts, "reconnect attempts before giving up (negative disables retries)")
	verbose := flag.Bool("verbose", false, "print full snapshot JSON")
	checkStatus := flag.Bool("status", false, "query the server /status endpoint before connecting")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	if *checkStatus {
		if err := printServerStatus(ctx, *feedURL, logger); err != nil {
			logger.Warn("status check failed", "error", err)
		}
	}

	// Print queue filled by the manager's dispatch goroutine
	snapshots := recorder.NewBuffer[queued](64, 1000)
	onMessage := connection.NewHandler(func(ev connection.Event) {
		if snap, ok := ev.Payload.(*plate.Snapshot); ok {
			snapshots.Send(queued{snap: *snap, at: time.Now()})
		}
	})

	exhausted := make(chan struct{})
	mgr := connection.NewManager(*feedURL, connection.Config{
		ReconnectInterval:    *interval,
		MaxReconnectAttempts: *maxAttempts,
	},
		connection.WithLogger(logger),
		connection.WithCodec(plate.Codec{}),
		connection.WithDialer(connection.NewWSDialer(connection.DefaultWSConfig(), logger)),
		connection.WithHandler(connection.EventMessage, onMessage),
		connection.WithHandler(connection.EventConnected, connection.NewHandler(func(ev connection.Event) {
			fmt.Printf("[CONNECTED] conn=%s\n", ev.ConnID)
		})),
		connection.WithHandler(connection.EventDisconnected, connection.NewHandler(func(ev connection.Event) {
			fmt.Printf("[DISCONNECTED] conn=%s\n", ev.ConnID)
		})),
		connection.WithHandler(connection.EventError, connection.NewHandler(func(ev connection.Event) {
			fmt.Printf("[ERROR] conn=%s err=%v\n", ev.ConnID, ev.Err)
		})),
		connection.WithHandler(connection.EventMaxReconnectAttemptsReached, connection.NewHandler(func(connection.Event) {
			fmt.Println("[FAILED] reconnect attempts exhausted")
			close(exhausted)
		})),
	)

	go printSnapshots(ctx, snapshots, *verbose)

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				connStats := mgr.Stats()
				bufStats := snapshots.Stats()
				logger.Info("stats",
					"state", connStats.State.String(),
					"attempts", connStats.Attempts,
					"connects", connStats.Connects,
					"received", connStats.MessagesReceived,
					"delivered", connStats.MessagesDelivered,
					"decode_errors", connStats.DecodeErrors,
					"print_queue", bufStats.Count,
					"print_dropped", bufStats.TotalDropped,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "url", *feedURL)

	// Wait for shutdown
	select {
	case <-ctx.Done():
	case <-exhausted:
	}

	logger.Info("shutting down...")
	mgr.Close()
	snapshots.Close()
	cancel()

	logger.Info("shutdown complete")
}

func printServerStatus(ctx context.Context, feedURL string, logger *slog.Logger) error {
	client, err := api.NewClientForFeed(feedURL, api.WithLogger(logger), api.WithRetries(1, 500*time.Millisecond))
	if err != nil {
		return err
	}

	statusCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := client.GetStatus(statusCtx)
	if err != nil {
		return err
	}

	fmt.Printf("[STATUS] running=%t provider=%s clients=%d\n",
		st.Running(), st.ProviderStatus, st.ActiveConnections)
	for id, cs := range st.ConnectionStats {
		lastErr := "-"
		if cs.LastError != nil {
			lastErr = *cs.LastError
		}
		fmt.Printf("[STATUS]   client=%s connected_at=%s sent=%d last_error=%s\n",
			id, cs.ConnectedAt.Format(time.RFC3339), cs.MessagesSent, lastErr)
	}
	return nil
}

func printSnapshots(ctx context.Context, buf *recorder.Buffer[queued], verbose bool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			q, ok := buf.TryReceive()
			if !ok {
				time.Sleep(10 * time.Millisecond)
				continue
			}

			if verbose {
				data, _ := json.MarshalIndent(q.snap, "", "  ")
				fmt.Printf("[SNAPSHOT] %s\n", data)
			} else {
				fmt.Printf("[SNAPSHOT] %s lag=%s\n", plate.Summary(q.snap), lagOf(q))
			}
		}
	}
}

// lagOf reports how far the snapshot's own timestamp trails its arrival.
func lagOf(q queued) string {
	if q.snap.Timestamp.IsZero() {
		return "-"
	}
	return q.at.Sub(q.snap.Timestamp.Time).Round(time.Millisecond).String()
}
