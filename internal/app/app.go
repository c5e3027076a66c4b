// Package app wires the demo server: config, logger, scene, replicator,
// websocket endpoint, and the tick loop that drives Update/PostUpdate.
package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"emberfall/server/internal/channel"
	"emberfall/server/internal/observability"
	"emberfall/server/internal/replicator"
	"emberfall/server/internal/scene"
)

// admissions hands websocket connections and read failures from HTTP
// goroutines to the tick thread. The replicator itself is never touched off
// the tick thread.
type admissions struct {
	mu     sync.Mutex
	joins  []*channel.WebsocketTransport
	leaves []uint32
}

func (a *admissions) join(t *channel.WebsocketTransport) {
	a.mu.Lock()
	a.joins = append(a.joins, t)
	a.mu.Unlock()
}

func (a *admissions) leave(key uint32) {
	a.mu.Lock()
	a.leaves = append(a.leaves, key)
	a.mu.Unlock()
}

func (a *admissions) drain() (joins []*channel.WebsocketTransport, leaves []uint32) {
	a.mu.Lock()
	joins, a.joins = a.joins, nil
	leaves, a.leaves = a.leaves, nil
	a.mu.Unlock()
	return joins, leaves
}

// Run starts the server and blocks until the context is cancelled or the
// listener fails.
func Run(ctx context.Context, configPath string) error {
	bootstrap := observability.InitLogger("info", os.Stderr)
	cfg, err := replicator.LoadConfig(configPath, bootstrap)
	if err != nil {
		return err
	}
	log := observability.InitLogger(cfg.LogLevel, os.Stderr)

	world := scene.New(scene.DefaultRegistry())
	if cfg.SceneFile != "" {
		if err := world.LoadFile(filepath.Join(cfg.DataDir, cfg.SceneFile)); err != nil {
			return err
		}
		if err := world.StampPackages(cfg.DataDir); err != nil {
			return err
		}
	}

	sink := replicator.EventSinkFunc(func(e replicator.Event) {
		log.Info().
			Str("event", string(e.Type)).
			Uint32("connection", e.Connection).
			Fields(e.Fields).
			Msg("replicator event")
	})
	rep := replicator.New(cfg, world, log, sink)

	adm := &admissions{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", makeWSHandler(adm, log))
	mux.HandleFunc("/diagnostics", makeDiagnosticsHandler(rep))
	if observability.FromEnv().EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	ticker := time.NewTicker(cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rep.Shutdown()
			rep.Tick()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		case <-ticker.C:
			tick(rep, adm, world)
		}
	}
}

// tick admits new transports, drops dead ones, assigns the scene to
// identified peers, and runs both halves of the replication pass.
func tick(rep *replicator.Replicator, adm *admissions, world *scene.Scene) {
	joins, leaves := adm.drain()
	for _, t := range joins {
		c := rep.Accept(t)
		key := c.Key()
		go t.ReadLoop(c.Inbox(), func(error) {
			adm.leave(key)
		})
	}
	for _, key := range leaves {
		if c, ok := rep.Connection(key); ok {
			c.Disconnect(0)
		}
	}
	for _, c := range rep.Connections() {
		if c.State() == replicator.StateAwaitingSceneAssignment {
			c.SetScene(world)
		}
	}
	rep.Tick()
}

func makeWSHandler(adm *admissions, log zerolog.Logger) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		adm.join(channel.NewWebsocketTransport(conn))
	}
}

func makeDiagnosticsHandler(rep *replicator.Replicator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			Connections int                          `json:"connections"`
			Telemetry   replicator.TelemetrySnapshot `json:"telemetry"`
		}{
			Connections: rep.ConnectionCount(),
			Telemetry:   rep.Telemetry().Snapshot(),
		})
	}
}
