package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/joenij/connectglobal-dating-app-sub001/shared/contracts/realtime/v1"

	"github.com/go-playground/validator/v10"
)

// EngineConfig tunes the realtime core.
type EngineConfig struct {
	// PresenceGrace delays offline announcements so quick reconnects do not flap.
	PresenceGrace time.Duration
	// HistoryLimit bounds the recent-history window sent on join.
	HistoryLimit int
	// PreviewChars bounds the text preview of offline notifications.
	PreviewChars int
	// CommandQueue is the dispatch loop inbox size.
	CommandQueue int
	// NotifyTimeout bounds one offline notification call.
	NotifyTimeout time.Duration
}

// DefaultEngineConfig returns the production defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		PresenceGrace: defaultPresenceGrace,
		HistoryLimit:  defaultHistoryLimit,
		PreviewChars:  defaultPreviewChars,
		CommandQueue:  defaultCommandQueue,
		NotifyTimeout: defaultNotifyTimeout,
	}
}

func (c EngineConfig) normalized() EngineConfig {
	d := DefaultEngineConfig()
	if c.PresenceGrace < 0 {
		c.PresenceGrace = d.PresenceGrace
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.HistoryLimit > maxHistoryLimit {
		c.HistoryLimit = maxHistoryLimit
	}
	if c.PreviewChars <= 0 {
		c.PreviewChars = d.PreviewChars
	}
	if c.CommandQueue <= 0 {
		c.CommandQueue = d.CommandQueue
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineConfig overrides the default configuration.
func WithEngineConfig(cfg EngineConfig) EngineOption {
	return func(e *Engine) { e.cfg = cfg }
}

// WithNotifier sets the offline notifier (default: no-op).
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithMetrics sets the Prometheus collectors (default: unregistered collectors).
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine is the presence and message-delivery core.
//
// Registry, Rooms and Presence are owned by a single dispatch loop (Run). Public
// operations run on the caller's goroutine, perform store and notifier I/O there,
// and hand typed commands to the loop for every read or mutation of shared state.
// A slow collaborator therefore blocks only the connection that called it.
type Engine struct {
	log      *slog.Logger
	cfg      EngineConfig
	messages MessageStore
	members  MembershipStore
	notifier Notifier
	metrics  *Metrics
	validate *validator.Validate
	now      func() time.Time

	cmds    chan command
	stopped chan struct{}
	running atomic.Bool

	// notifying tracks offline notifications still in flight.
	notifying sync.WaitGroup

	loop loop
}

// NewEngine constructs an Engine. Run must be started before any operation is used.
func NewEngine(log *slog.Logger, messages MessageStore, members MembershipStore, opts ...EngineOption) *Engine {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{
		log:      log,
		cfg:      DefaultEngineConfig(),
		messages: messages,
		members:  members,
		notifier: nopNotifier{},
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}
	e.cfg = e.cfg.normalized()
	e.cmds = make(chan command, e.cfg.CommandQueue)
	e.loop = loop{
		engine:   e,
		log:      log,
		metrics:  e.metrics,
		conns:    NewRegistry(),
		rooms:    NewRooms(),
		presence: NewPresence(e.cfg.PresenceGrace),
	}
	return e
}

// Run executes the dispatch loop until ctx is done. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("realtime: engine already running")
	}
	defer close(e.stopped)

	e.loop.ctx = ctx
	defer e.loop.presence.StopAll()

	e.log.Info("engine.start", "presence_grace", e.cfg.PresenceGrace.String(), "history_limit", e.cfg.HistoryLimit)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine.stop", "online", e.loop.conns.Len(), "rooms", e.loop.rooms.Len())
			return nil
		case cmd := <-e.cmds:
			e.loop.run(cmd)
		}
	}
}

// Done is closed once the dispatch loop has exited.
func (e *Engine) Done() <-chan struct{} { return e.stopped }

// WaitNotifications blocks until every offline notification started so far
// returned, or ctx is done.
func (e *Engine) WaitNotifications(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.notifying.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit hands cmd to the loop and waits until it executed.
func (e *Engine) submit(ctx context.Context, cmd command) error {
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}

	select {
	case <-cmd.wait():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		select {
		case <-cmd.wait():
			return nil
		default:
			return ErrEngineStopped
		}
	}
}

// loop is the state owned by the dispatch goroutine.
type loop struct {
	engine  *Engine
	ctx     context.Context
	log     *slog.Logger
	metrics *Metrics

	conns    *Registry
	rooms    *Rooms
	presence *Presence
}

func (l *loop) run(cmd command) {
	defer cmd.finish()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("engine.command.panic", "panic", r)
		}
	}()
	cmd.exec(l)
	l.metrics.ConnectionsOnline.Set(float64(l.conns.Len()))
	l.metrics.RoomsActive.Set(float64(l.rooms.Len()))
}

// deliver enqueues env to c without blocking and counts drops.
func (l *loop) deliver(c *Client, env v1.Envelope) bool {
	if c.Enqueue(env) {
		return true
	}
	l.metrics.DroppedEnvelopes.Inc()
	l.log.Debug("engine.deliver.drop", "session_id", c.SessionID, "type", env.Type)
	return false
}

// broadcast delivers env to every present member of a room except `except`.
func (l *loop) broadcast(conversationID string, except *Client, env v1.Envelope) []*Client {
	var reached []*Client
	for _, m := range l.rooms.Snapshot(conversationID) {
		if m == except {
			continue
		}
		if l.deliver(m, env) {
			reached = append(reached, m)
		}
	}
	return reached
}

// ---- envelopes ----

func newEnvelope(typ string, payload any, ts time.Time) v1.Envelope {
	p, _ := json.Marshal(payload)
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewID(ts),
		TS:      ts,
		Payload: p,
	}
}

// ErrorEnvelope builds an error event for err.
func ErrorEnvelope(err error, ts time.Time) v1.Envelope {
	code, msg := ErrorCode(err)
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, ts)
}

// SendError queues an error event for c behind everything already queued for it.
func (e *Engine) SendError(ctx context.Context, c *Client, err error) error {
	cmd := &deliverCmd{reply: newReply(), client: c, env: ErrorEnvelope(err, e.now())}
	if serr := e.submit(ctx, cmd); serr != nil {
		return serr
	}
	if !cmd.ok {
		return ErrBackpressure
	}
	return nil
}
