package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-whisper/internal/bus"
	"github.com/loqalabs/loqa-whisper/internal/capability"
	"github.com/loqalabs/loqa-whisper/internal/config"
	"github.com/loqalabs/loqa-whisper/internal/history"
	"github.com/loqalabs/loqa-whisper/internal/natsserver"
	"github.com/loqalabs/loqa-whisper/internal/resample"
	"github.com/loqalabs/loqa-whisper/internal/server"
	"github.com/loqalabs/loqa-whisper/internal/stt"
)

const historyPruneInterval = time.Hour

type State int32

const (
	StateStarting State = iota
	StateReady
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Runtime owns the daemon lifecycle: on-disk artifacts, the resident model,
// the socket listener and optional side services.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	state  atomic.Int32
	engine *stt.Engine

	httpServer    *http.Server
	metricsServer *http.Server
	telemetryStop func(context.Context) error
	history       *history.Store
	bus           *bus.Client
	announcer     *capability.Announcer
	nats          *natsserver.EmbeddedServer
	wg            sync.WaitGroup

	ready    chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "runtime")),
		ready:  make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (r *Runtime) State() State { return State(r.state.Load()) }

// Ready is closed once the socket is accepting requests against a loaded model.
func (r *Runtime) Ready() <-chan struct{} { return r.ready }

// Stop begins draining, as a termination signal would.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Start brings the daemon up and blocks until ctx is done or Stop is called.
// Errors are returned only for startup failures.
func (r *Runtime) Start(ctx context.Context) error {
	r.state.Store(int32(StateStarting))
	if err := r.startup(ctx); err != nil {
		r.teardown()
		r.state.Store(int32(StateTerminated))
		return err
	}

	select {
	case <-ctx.Done():
	case <-r.stop:
	}
	r.drain()
	return nil
}

func (r *Runtime) startup(ctx context.Context) error {
	socket := r.cfg.Server.Socket
	if err := removeArtifact(socket); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	if dir := filepath.Dir(socket); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
	}
	if pidFile := r.cfg.Server.PIDFile; pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
	}

	telemetryStop, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = telemetryStop

	resampler, err := resample.Probe(r.cfg.Audio.Resampler, r.logger)
	if err != nil {
		return fmt.Errorf("resampler: %w", err)
	}

	if err := r.loadModel(); err != nil {
		return err
	}

	opts := server.Options{
		Engine:       r.engine,
		Resampler:    resampler,
		Metrics:      metricsHandler,
		MaxBodyBytes: r.cfg.Server.MaxBodyBytes,
		Logger:       r.logger,
	}
	r.startHistory(ctx)
	if r.history != nil {
		opts.History = r.history
	}
	r.startBus(ctx)
	if r.bus != nil {
		opts.Bus = r.bus
	}

	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socket, err)
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		// Artifact removal is handled by drain.
		ul.SetUnlinkOnClose(false)
	}
	if err := os.Chmod(socket, os.FileMode(r.cfg.Server.SocketMode)); err != nil {
		ln.Close()
		_ = removeArtifact(socket)
		return fmt.Errorf("chmod socket: %w", err)
	}

	r.httpServer = &http.Server{
		Handler:           server.New(opts),
		ReadHeaderTimeout: time.Duration(r.cfg.Server.ReadHeaderTimeS) * time.Second,
	}
	r.serve(r.httpServer, ln, "unix socket")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		if err := r.startMetricsServer(bind, metricsHandler); err != nil {
			return err
		}
	}

	r.state.Store(int32(StateReady))
	close(r.ready)
	r.logger.Info("runtime ready",
		slog.String("socket", socket),
		slog.String("pid_file", r.cfg.Server.PIDFile),
		slog.Int("pid", os.Getpid()))
	return nil
}

func (r *Runtime) loadModel() error {
	device := stt.ResolveDevice(r.cfg.Model.Device)
	computeType := r.cfg.Model.ComputeType
	if computeType == "" {
		computeType = stt.DefaultComputeType(device)
	}
	r.logger.Info("loading model",
		slog.String("backend", r.cfg.Model.Backend),
		slog.String("size", r.cfg.Model.Size),
		slog.String("device", device),
		slog.String("compute_type", computeType))

	r.engine = stt.NewEngine(stt.DecodingOptions(r.cfg.Decoding), r.cfg.Audio.TargetSampleRate, r.logger)
	model, err := stt.OpenModel(r.cfg.Model, device, computeType, r.logger)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	if err := r.engine.Load(model); err != nil {
		_ = model.Close()
		return fmt.Errorf("load model: %w", err)
	}
	return nil
}

// startHistory opens the transcription journal. Failures leave the daemon
// running without history.
func (r *Runtime) startHistory(ctx context.Context) {
	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		r.logger.Warn("history unavailable, requests will not be journaled", slog.String("error", err.Error()))
		return
	}
	r.history = store

	pruneCtx, cancel := context.WithCancel(context.Background())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		select {
		case <-r.stop:
		case <-ctx.Done():
		}
		cancel()
	}()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		store.RunPruner(pruneCtx, historyPruneInterval)
	}()
}

// startBus connects the transcript publisher. Failures leave the daemon
// running without fan-out.
func (r *Runtime) startBus(ctx context.Context) {
	if !r.cfg.Bus.Enabled {
		return
	}
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			r.logger.Warn("embedded NATS unavailable, transcripts will not be published", slog.String("error", err.Error()))
			return
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		r.logger.Warn("NATS unavailable, transcripts will not be published", slog.String("error", err.Error()))
		return
	}
	r.bus = client

	r.announcer = capability.NewAnnouncer(client.Conn(), capability.Options{
		NodeID:   busCfg.NodeID,
		Interval: time.Duration(busCfg.HeartbeatMS) * time.Millisecond,
		Ready:    r.engine.Ready,
		Capabilities: []capability.Capability{{
			Name: "stt",
			Attributes: map[string]string{
				"backend":  r.cfg.Model.Backend,
				"model":    r.cfg.Model.Size,
				"language": r.cfg.Decoding.Language,
				"subject":  client.Subject(),
			},
		}},
	}, r.logger)
	if err := r.announcer.Start(context.Background()); err != nil {
		r.logger.Warn("capability announcer unavailable", slog.String("error", err.Error()))
		r.announcer = nil
	}
}

func (r *Runtime) startMetricsServer(bind string, handler http.Handler) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bind, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	r.serve(r.metricsServer, ln, "prometheus")
	return nil
}

func (r *Runtime) serve(srv *http.Server, ln net.Listener, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("listener", name), slog.String("error", err.Error()))
		}
	}()
}

// drain removes on-disk artifacts first, then gives in-flight requests the
// configured drain timeout before closing connections.
func (r *Runtime) drain() {
	r.state.Store(int32(StateDraining))
	r.logger.Info("runtime stopping")
	r.Stop()
	r.removeArtifacts()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.Server.DrainTimeoutMS)*time.Millisecond)
	defer cancel()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("http shutdown incomplete, closing connections", slog.String("error", err.Error()))
			_ = srv.Close()
		}
	}

	r.teardown()
	r.state.Store(int32(StateTerminated))
	r.logger.Info("runtime stopped")
}

// teardown releases everything startup may have created. It is safe to call
// on a partially started runtime.
func (r *Runtime) teardown() {
	r.Stop()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv != nil {
			_ = srv.Close()
		}
	}
	r.wg.Wait()
	r.removeArtifacts()

	r.announcer.Close()
	r.bus.Close()
	r.nats.Shutdown()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close error", slog.String("error", err.Error()))
		}
	}
	if r.engine != nil {
		switch err := r.engine.Close(); {
		case errors.Is(err, stt.ErrModelBusy):
			r.logger.Info("transcription still running, model left to process exit")
		case err != nil:
			r.logger.Warn("model close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryStop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryStop(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) removeArtifacts() {
	for _, path := range []string{r.cfg.Server.Socket, r.cfg.Server.PIDFile} {
		if path == "" {
			continue
		}
		if err := removeArtifact(path); err != nil {
			r.logger.Warn("failed to remove artifact", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

func removeArtifact(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
