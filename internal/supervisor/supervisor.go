package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sonroyaalmerol/kumaqueue/internal/metrics"
)

type State int

const (
	Stable State = iota
	Reconnecting
	GivenUp
)

func (s State) String() string {
	switch s {
	case Reconnecting:
		return "reconnecting"
	case GivenUp:
		return "given up"
	default:
		return "stable"
	}
}

// Policy is the reconnect schedule: Threshold attempts at BaseDelay, then
// doubling up to MaxDelay, at most MaxAttempts in total.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Threshold   int
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 15,
		BaseDelay:   15 * time.Second,
		MaxDelay:    300 * time.Second,
		Threshold:   5,
	}
}

// Delay is the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= p.Threshold {
		return p.BaseDelay
	}
	shift := attempt - p.Threshold
	if shift >= 32 {
		return p.MaxDelay
	}
	d := p.BaseDelay << shift
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Snapshot is the observable reconnect state.
type Snapshot struct {
	State       State
	Attempt     int
	MaxAttempts int
	Channel     string
	Manual      bool
}

type ReconnectFunc func(ctx context.Context, channelID string) error

// Supervisor runs at most one reconnect loop at a time.
type Supervisor struct {
	policy    Policy
	reconnect ReconnectFunc
	onGiveUp  func(channelID string)
	sleep     func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	state    State
	attempts int
	channel  string
	manual   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Supervisor)

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// New builds a supervisor. onGiveUp runs on the loop goroutine and must not
// call Stop synchronously.
func New(policy Policy, reconnect ReconnectFunc, onGiveUp func(channelID string), opts ...Option) *Supervisor {
	s := &Supervisor{
		policy:    policy,
		reconnect: reconnect,
		onGiveUp:  onGiveUp,
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connected records a fresh operator-initiated connection.
func (s *Supervisor) Connected(channelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = channelID
	s.manual = false
	if s.state != Reconnecting {
		s.state = Stable
		s.attempts = 0
	}
}

// MarkManual flags the coming disconnect as operator-initiated and cancels a
// running loop.
func (s *Supervisor) MarkManual() {
	s.mu.Lock()
	s.manual = true
	cancel := s.cancel
	s.cancel = nil
	if s.state == Reconnecting {
		s.state = Stable
		s.attempts = 0
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Disconnected reports an involuntary loss of channelID and starts a loop
// unless the leave was manual or a loop is already running.
func (s *Supervisor) Disconnected(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.manual {
		slog.Debug("disconnect was manual, not reconnecting", "channelID", channelID)
		return false
	}
	if s.state == Reconnecting {
		return false
	}
	if channelID == "" {
		channelID = s.channel
	}
	s.channel = channelID
	s.state = Reconnecting
	s.attempts = 0

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx, channelID)
	return true
}

func (s *Supervisor) loop(ctx context.Context, channelID string) {
	defer s.wg.Done()

	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		s.mu.Lock()
		s.attempts = attempt
		s.mu.Unlock()

		delay := s.policy.Delay(attempt)
		slog.Info("reconnect scheduled", "channelID", channelID, "attempt", attempt, "max", s.policy.MaxAttempts, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return
		}

		err := s.reconnect(ctx, channelID)
		metrics.ObserveReconnect(err == nil)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.mu.Lock()
			s.state = Stable
			s.attempts = 0
			s.cancel = nil
			s.mu.Unlock()
			slog.Info("reconnected", "channelID", channelID, "attempt", attempt)
			return
		}
		slog.Warn("reconnect failed", "channelID", channelID, "attempt", attempt, "err", err)
	}

	s.mu.Lock()
	s.state = GivenUp
	s.cancel = nil
	s.mu.Unlock()

	metrics.ObserveGiveUp()
	slog.Error("reconnect gave up", "channelID", channelID, "attempts", s.policy.MaxAttempts)
	if s.onGiveUp != nil {
		s.onGiveUp(channelID)
	}
}

// Stop cancels any loop and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.manual = true
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:       s.state,
		Attempt:     s.attempts,
		MaxAttempts: s.policy.MaxAttempts,
		Channel:     s.channel,
		Manual:      s.manual,
	}
}
