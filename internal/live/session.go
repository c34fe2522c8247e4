// internal/live/session.go
package live

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"sensorstate-gateway/internal/chart"
	"sensorstate-gateway/internal/data"
	liveerr "sensorstate-gateway/internal/errors"
	"sensorstate-gateway/internal/logging"
	"sensorstate-gateway/internal/metrics"
	"sensorstate-gateway/internal/snapshot"
	"sensorstate-gateway/internal/storage"
	"sensorstate-gateway/internal/subscription"
)

// ErrUnmounted is returned by lifecycle calls made after OnUnmount.
var ErrUnmounted = liveerr.New(liveerr.CodeInternal, "chart session is unmounted")

const (
	defaultLoadTimeout = 30 * time.Second
	defaultInboxSize   = 1024
)

// Options tune a Session. Zero values select defaults.
type Options struct {
	LoadTimeout time.Duration
	InboxSize   int
	// Source labels snapshot metrics, e.g. "http" or "store".
	Source string
	// OnClose runs once after the session has fully stopped.
	OnClose func()
	Now     func() time.Time
}

// View is what the presentation layer renders.
type View struct {
	Loading bool
	// Err is the last snapshot failure; the store is empty apart from live updates.
	Err error
	// Live is false when the chart has no channels or joining them failed.
	Live   bool
	States []data.EntityState
}

// Stats counts live updates handled by one session.
type Stats struct {
	Applied   uint64 `json:"applied"`
	Stale     uint64 `json:"stale"`
	Malformed uint64 `json:"malformed"`
	Ignored   uint64 `json:"ignored"`
	Dropped   uint64 `json:"dropped"`
}

type op int

const (
	opConfigure op = iota
	opReload
	opUnmount
)

type command struct {
	op   op
	ctx  context.Context
	cfg  *chart.Configuration
	done chan error
}

type message struct {
	topic      string
	payload    []byte
	receivedAt time.Time
}

type loadResult struct {
	gen    uint64
	states []data.EntityState
	err    error
}

// Session is one mounted chart instance: it owns the chart's store and
// subscription, and serializes configuration changes, snapshot results and
// live messages on a single goroutine.
type Session struct {
	id     string
	opts   Options
	loader snapshot.Loader
	store  *storage.Store
	subs   *subscription.Manager
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	commands chan command
	inbox    chan message
	results  chan loadResult
	changes  chan struct{}
	stopped  chan struct{}
	loads    sync.WaitGroup
	closed   sync.Once

	mu      sync.RWMutex
	loading bool
	loadErr error
	live    bool
	cfg     *chart.Configuration

	applied, stale, malformed, ignored, dropped atomic.Uint64

	// loop goroutine only
	gen        uint64
	cancelLoad context.CancelFunc
	wanted     map[data.EntityKey]bool
	pending    map[string]data.EntityState
}

// New starts an unconfigured session. Call OnConfigurationChange to mount a
// chart and OnUnmount to release it.
func New(id string, loader snapshot.Loader, transport subscription.Transport, opts Options) *Session {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.Source == "" {
		opts.Source = "loader"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		opts:     opts,
		loader:   loader,
		store:    storage.NewStore(),
		log:      logging.NewLogger("session").WithField("chart", id),
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan command),
		inbox:    make(chan message, opts.InboxSize),
		results:  make(chan loadResult),
		changes:  make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		wanted:   make(map[data.EntityKey]bool),
	}
	s.subs = subscription.NewManager(transport, s.receive)
	metrics.ActiveSessions.Inc()
	go s.run()
	return s
}

func (s *Session) ID() string { return s.id }

// OnConfigurationChange re-derives the chart's channels, re-subscribes and
// starts a fresh snapshot load. Any load still in flight is superseded. It
// returns once the new subscription is in place; subscription failures are
// logged and reflected in View.Live, not returned.
func (s *Session) OnConfigurationChange(ctx context.Context, cfg *chart.Configuration) error {
	if cfg == nil {
		return liveerr.ConfigInvalid("nil chart configuration")
	}
	return s.call(ctx, command{op: opConfigure, cfg: cfg})
}

// Reload starts a new snapshot load for the current configuration and retries
// any channel whose join failed.
func (s *Session) Reload(ctx context.Context) error {
	return s.call(ctx, command{op: opReload})
}

// OnUnmount leaves every channel, discards in-flight loads and stops the
// session. It is safe to call more than once.
func (s *Session) OnUnmount(ctx context.Context) error {
	c := command{op: opUnmount, ctx: ctx, done: make(chan error, 1)}
	var err error
	select {
	case s.commands <- c:
		err = <-c.done
	case <-s.stopped:
	}
	<-s.stopped
	s.loads.Wait()
	s.closed.Do(func() {
		metrics.ActiveSessions.Dec()
		if s.opts.OnClose != nil {
			s.opts.OnClose()
		}
	})
	return err
}

// Done is closed when the session has stopped.
func (s *Session) Done() <-chan struct{} { return s.stopped }

func (s *Session) call(ctx context.Context, c command) error {
	c.ctx = ctx
	c.done = make(chan error, 1)
	select {
	case s.commands <- c:
	case <-s.stopped:
		return ErrUnmounted
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-c.done
}

// Snapshot returns a copy of the current view.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	v := View{Loading: s.loading, Err: s.loadErr, Live: s.live}
	s.mu.RUnlock()
	v.States = s.store.Snapshot()
	return v
}

// Configuration returns the configuration currently mounted, or nil.
func (s *Session) Configuration() *chart.Configuration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Changes signals, coalesced, every time the rendered states may have
// changed. It is closed when the session stops.
func (s *Session) Changes() <-chan struct{} { return s.changes }

func (s *Session) Stats() Stats {
	return Stats{
		Applied:   s.applied.Load(),
		Stale:     s.stale.Load(),
		Malformed: s.malformed.Load(),
		Ignored:   s.ignored.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// receive is the transport handler. It never blocks the transport.
func (s *Session) receive(topic string, payload []byte) {
	m := message{topic: topic, payload: payload, receivedAt: s.opts.Now()}
	select {
	case s.inbox <- m:
	default:
		s.dropped.Add(1)
		s.log.WithField("topic", topic).Warn("session inbox full, dropping message")
	}
}

func (s *Session) run() {
	defer close(s.stopped)
	defer close(s.changes)

	for {
		select {
		case c := <-s.commands:
			switch c.op {
			case opConfigure:
				c.done <- s.configure(c.ctx, c.cfg)
			case opReload:
				c.done <- s.reload(c.ctx)
			case opUnmount:
				c.done <- s.unmount(c.ctx)
				return
			}
		case r := <-s.results:
			s.finishLoad(r)
		case m := <-s.inbox:
			s.handle(m)
		}
	}
}

func (s *Session) configure(ctx context.Context, cfg *chart.Configuration) error {
	wanted := make(map[data.EntityKey]bool)
	for _, k := range cfg.EntityKeys() {
		wanted[k] = true
	}
	s.wanted = wanted

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	s.resubscribe(ctx, cfg)
	s.startLoad(cfg)
	s.log.WithField("channels", len(wanted)).Info("chart configured")
	return nil
}

func (s *Session) reload(ctx context.Context) error {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()
	if cfg == nil {
		return liveerr.ConfigInvalid("chart has no configuration to reload")
	}
	s.resubscribe(ctx, cfg)
	s.startLoad(cfg)
	return nil
}

func (s *Session) resubscribe(ctx context.Context, cfg *chart.Configuration) {
	keys := chart.DeriveKeys(cfg)
	err := s.subs.Update(ctx, keys)
	live := len(keys) > 0 && s.subs.Joined().Equal(keys)

	s.mu.Lock()
	s.live = live
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Warn("chart degraded to non-live")
	}
}

func (s *Session) unmount(ctx context.Context) error {
	s.gen++
	if s.cancelLoad != nil {
		s.cancelLoad()
		s.cancelLoad = nil
	}
	s.cancel()
	err := s.subs.Close(ctx)

	s.mu.Lock()
	s.loading = false
	s.live = false
	s.mu.Unlock()
	s.log.Info("chart unmounted")
	return err
}

func (s *Session) startLoad(cfg *chart.Configuration) {
	if s.cancelLoad != nil {
		s.cancelLoad()
	}
	s.gen++
	gen := s.gen
	// Updates buffered for a superseded load are still newer than its snapshot.
	if s.pending == nil {
		s.pending = make(map[string]data.EntityState)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.LoadTimeout)
	s.cancelLoad = cancel

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	s.notify()

	s.loads.Add(1)
	go func() {
		defer s.loads.Done()
		defer cancel()
		states, err := s.loader.Load(ctx, cfg)
		select {
		case s.results <- loadResult{gen: gen, states: states, err: err}:
		case <-s.stopped:
		}
	}()
}

// finishLoad applies a snapshot only if it belongs to the latest load, then
// replays the live updates that arrived while it was in flight.
func (s *Session) finishLoad(r loadResult) {
	if r.gen != s.gen {
		metrics.SnapshotLoads.WithLabelValues(s.opts.Source, "superseded").Inc()
		s.log.WithField("generation", r.gen).Debug("discarding superseded snapshot")
		return
	}
	s.cancelLoad = nil

	var states []data.EntityState
	if r.err != nil {
		metrics.SnapshotLoads.WithLabelValues(s.opts.Source, "error").Inc()
		s.log.WithError(r.err).Warn("snapshot load failed, showing empty chart")
	} else {
		metrics.SnapshotLoads.WithLabelValues(s.opts.Source, "ok").Inc()
		for _, st := range r.states {
			if s.wanted[st.Key] {
				states = append(states, st)
			}
		}
	}
	s.store.Replace(states)
	for _, u := range s.pending {
		s.store.ApplyUpdate(u)
	}
	s.pending = nil

	s.mu.Lock()
	s.loading = false
	s.loadErr = r.err
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handle(m message) {
	states, err := data.Normalize(m.payload, m.receivedAt)
	if err != nil {
		n := data.RejectedCount(err)
		s.malformed.Add(uint64(n))
		metrics.UpdatesTotal.WithLabelValues("session", metrics.OutcomeMalformed).Add(float64(n))
		s.log.WithError(err).WithField("topic", m.topic).Debug("dropping malformed update")
	}

	changed := false
	for _, st := range states {
		if !s.wanted[st.Key] {
			s.ignored.Add(1)
			continue
		}
		if s.pending != nil {
			k := st.Key.String()
			if cur, ok := s.pending[k]; !ok || st.ObservedAt.After(cur.ObservedAt) {
				s.pending[k] = st
			}
		}
		if s.store.ApplyUpdate(st) {
			changed = true
			s.applied.Add(1)
			metrics.UpdatesTotal.WithLabelValues("session", metrics.OutcomeApplied).Inc()
		} else {
			s.stale.Add(1)
			metrics.UpdatesTotal.WithLabelValues("session", metrics.OutcomeStale).Inc()
		}
	}
	if changed {
		s.notify()
	}
}

func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
