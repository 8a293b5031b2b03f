// Package supervisor keeps the bot's components running. A component that
// returns is restarted, and one whose heartbeat goes stale is presumed hung,
// canceled, and restarted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/enggilvano-cmd/Bot-trade/internal/alert"
	"github.com/enggilvano-cmd/Bot-trade/internal/metrics"
)

const (
	checkInterval     = 10 * time.Second
	staleThreshold    = 180 * time.Second
	restartGracePause = 2 * time.Second
)

// Component is a long-running supervised task. Run must block until ctx is
// canceled or a fatal error occurs.
type Component interface {
	Name() string
	Run(ctx context.Context) error
}

// heartbeats is the slice of the bus the supervisor needs.
type heartbeats interface {
	HeartbeatAge(ctx context.Context, component string) (time.Duration, bool, error)
}

type worker struct {
	component Component
	cancel    context.CancelFunc
	done      chan error
	started   time.Time
}

// Supervisor runs components and restarts the ones that die or hang.
type Supervisor struct {
	beats  heartbeats
	notify alert.Notifier
	log    zerolog.Logger

	checkEvery time.Duration
	staleAfter time.Duration
	gracePause time.Duration

	mu      sync.Mutex
	workers map[string]*worker
}

// New builds a supervisor over the given heartbeat source.
func New(beats heartbeats, notify alert.Notifier, log zerolog.Logger) *Supervisor {
	if notify == nil {
		notify = alert.Noop{}
	}
	return &Supervisor{
		beats:      beats,
		notify:     notify,
		log:        log.With().Str("component", "Supervisor").Logger(),
		checkEvery: checkInterval,
		staleAfter: staleThreshold,
		gracePause: restartGracePause,
		workers:    map[string]*worker{},
	}
}

// Run starts every component and monitors them until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context, components ...Component) error {
	for _, c := range components {
		s.start(ctx, c)
	}

	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return ctx.Err()
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *Supervisor) start(ctx context.Context, c Component) {
	runCtx, cancel := context.WithCancel(ctx)
	w := &worker{
		component: c,
		cancel:    cancel,
		done:      make(chan error, 1),
		started:   time.Now(),
	}
	s.mu.Lock()
	s.workers[c.Name()] = w
	s.mu.Unlock()

	s.log.Info().Str("component", c.Name()).Msg("starting component")
	go func() { w.done <- c.Run(runCtx) }()
}

// check restarts exited components and kills hung ones. Staleness is judged
// from the component's own heartbeat key, not from the goroutine being alive:
// a wedged websocket read keeps the goroutine alive forever.
func (s *Supervisor) check(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.workers))
	for name := range s.workers {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.mu.Lock()
		w := s.workers[name]
		s.mu.Unlock()
		if w == nil {
			continue
		}

		select {
		case err := <-w.done:
			if ctx.Err() != nil {
				return
			}
			s.restart(ctx, w, "exited", err)
			continue
		default:
		}

		if s.heartbeatStale(ctx, w) {
			s.log.Error().Str("component", name).Msg("heartbeat stale, killing component")
			w.cancel()
			select {
			case <-w.done:
			case <-time.After(s.gracePause):
			}
			s.restart(ctx, w, "stale_heartbeat", errors.New("heartbeat stale"))
		}
	}
}

// heartbeatStale checks the component's heartbeat key. A component that has
// never beat is given the stale threshold from its start time before being
// declared dead.
func (s *Supervisor) heartbeatStale(ctx context.Context, w *worker) bool {
	age, ok, err := s.beats.HeartbeatAge(ctx, w.component.Name())
	if err != nil {
		s.log.Warn().Err(err).Str("component", w.component.Name()).Msg("heartbeat check failed")
		return false
	}
	if !ok {
		return time.Since(w.started) > s.staleAfter
	}
	return age > s.staleAfter
}

func (s *Supervisor) restart(ctx context.Context, w *worker, reason string, cause error) {
	name := w.component.Name()
	if cause != nil && !errors.Is(cause, context.Canceled) {
		s.log.Error().Err(cause).Str("component", name).Str("reason", reason).Msg("component down")
	} else {
		s.log.Warn().Str("component", name).Str("reason", reason).Msg("component down")
	}
	metrics.ComponentRestartsTotal.WithLabelValues(name, reason).Inc()
	s.notify.Send(fmt.Sprintf("🔄 Restarting %s (%s)", name, reason))

	select {
	case <-time.After(s.gracePause):
	case <-ctx.Done():
		return
	}
	s.start(ctx, w.component)
}

func (s *Supervisor) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, w := range s.workers {
		w.cancel()
		select {
		case <-w.done:
		case <-time.After(5 * time.Second):
			s.log.Warn().Str("component", name).Msg("component did not stop in time")
		}
	}
}
