package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"
	SubjectDiscover        = "ctrl.node.discover"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Announcement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// Announcer advertises this daemon on the bus: one announcement at start, a
// heartbeat every interval, and a reply to every discovery request.
type Announcer struct {
	conn     *nats.Conn
	nodeID   string
	caps     []Capability
	ready    func() bool
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	sub       *nats.Subscription
	cancel    context.CancelFunc
	done      chan struct{}
	beatCount int64
}

type Options struct {
	NodeID       string
	Capabilities []Capability
	Interval     time.Duration
	// Ready is reported in every heartbeat.
	Ready func() bool
}

func NewAnnouncer(conn *nats.Conn, opts Options, log *slog.Logger) *Announcer {
	ready := opts.Ready
	if ready == nil {
		ready = func() bool { return true }
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Announcer{
		conn:     conn,
		nodeID:   opts.NodeID,
		caps:     opts.Capabilities,
		ready:    ready,
		interval: interval,
		log:      log.With(slog.String("component", "capability-announcer")),
	}
}

// Start announces the node and runs heartbeats until Close.
func (a *Announcer) Start(ctx context.Context) error {
	sub, err := a.conn.Subscribe(SubjectDiscover, a.handleDiscover)
	if err != nil {
		return fmt.Errorf("subscribe discover: %w", err)
	}
	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := a.announce(); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.sub = sub
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	go a.runHeartbeat(ctx)
	return nil
}

func (a *Announcer) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	cancel, done, sub := a.cancel, a.done, a.sub
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (a *Announcer) runHeartbeat(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) announcement() Announcement {
	return Announcement{
		NodeID:       a.nodeID,
		Role:         "stt",
		Capabilities: a.caps,
		Timestamp:    time.Now().UTC(),
	}
}

func (a *Announcer) announce() error {
	payload, err := json.Marshal(a.announcement())
	if err != nil {
		return err
	}
	return a.conn.Publish(SubjectAnnounce, payload)
}

func (a *Announcer) publishHeartbeat() error {
	hb := Heartbeat{NodeID: a.nodeID, Ready: a.ready(), Timestamp: time.Now().UTC()}
	payload, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", SubjectHeartbeatPrefix, a.nodeID)
	if err := a.conn.Publish(subject, payload); err != nil {
		return err
	}
	a.mu.Lock()
	a.beatCount++
	a.mu.Unlock()
	return nil
}

func (a *Announcer) handleDiscover(msg *nats.Msg) {
	payload, err := json.Marshal(a.announcement())
	if err != nil {
		a.log.Warn("failed to encode announcement", slog.String("error", err.Error()))
		return
	}
	if msg.Reply != "" {
		err = msg.Respond(payload)
	} else {
		err = a.conn.Publish(SubjectAnnounce, payload)
	}
	if err != nil {
		a.log.Warn("failed to answer discovery", slog.String("error", err.Error()))
	}
}

func (a *Announcer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-whisper/capability")
	beats, err := meter.Int64ObservableCounter("loqa.whisper.heartbeats",
		metric.WithDescription("Heartbeats published on the bus"))
	if err != nil {
		return err
	}
	ready, err := meter.Int64ObservableGauge("loqa.whisper.ready",
		metric.WithDescription("1 when the model is loaded"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		a.mu.Lock()
		count := a.beatCount
		a.mu.Unlock()
		obs.ObserveInt64(beats, count)
		var r int64
		if a.ready() {
			r = 1
		}
		obs.ObserveInt64(ready, r)
		return nil
	}, beats, ready)
	return err
}
