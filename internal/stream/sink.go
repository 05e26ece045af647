package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonroyaalmerol/kumaqueue/internal/transport"
)

// Output is the voice connection a sink writes opus frames to.
type Output = transport.Voice

var ErrNoOutput = errors.New("no voice output attached")

// VoiceSink plays local assets to an Output, one stream at a time.
type VoiceSink struct {
	open       Opener
	interval   time.Duration
	bufPackets int

	mu  sync.Mutex
	out Output
	cur *playSession
}

type playSession struct {
	ctx     context.Context
	cancel  context.CancelFunc
	src     Source
	buf     *opusBuffer
	paused  atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

func (p *playSession) setErr(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *playSession) failure() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

type SinkOption func(*VoiceSink)

func WithOpener(o Opener) SinkOption {
	return func(s *VoiceSink) { s.open = o }
}

// WithFrameInterval overrides the 20 ms send clock.
func WithFrameInterval(d time.Duration) SinkOption {
	return func(s *VoiceSink) { s.interval = d }
}

func WithBufferPackets(n int) SinkOption {
	return func(s *VoiceSink) { s.bufPackets = n }
}

func NewVoiceSink(opts ...SinkOption) *VoiceSink {
	s := &VoiceSink{
		open:       OpenAsset,
		interval:   20 * time.Millisecond,
		bufPackets: 100,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Attach points the sink at a (new) voice connection. A running stream keeps
// sending to the new output from its next frame.
func (s *VoiceSink) Attach(out Output) {
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
}

func (s *VoiceSink) output() Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

func (s *VoiceSink) Start(path string, offset time.Duration, onEnd func(error)) error {
	s.Stop()

	if s.output() == nil {
		return ErrNoOutput
	}

	ctx, cancel := context.WithCancel(context.Background())
	src, err := s.open(ctx, path, offset)
	if err != nil {
		cancel()
		return err
	}

	sess := &playSession{
		ctx:    ctx,
		cancel: cancel,
		src:    src,
		buf:    newOpusBuffer(s.bufPackets),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.cur = sess
	s.mu.Unlock()

	produced := make(chan struct{})
	go s.producePackets(sess, produced)
	go s.consumePackets(sess, produced, onEnd)
	return nil
}

func (s *VoiceSink) Pause() {
	s.mu.Lock()
	sess, out := s.cur, s.out
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.paused.Store(true)
	if out != nil {
		_ = out.Speaking(false)
	}
}

func (s *VoiceSink) Resume() {
	s.mu.Lock()
	sess, out := s.cur, s.out
	s.mu.Unlock()
	if sess == nil {
		return
	}
	sess.paused.Store(false)
	if out != nil {
		_ = out.Speaking(true)
	}
}

// Stop cancels the current stream without reporting an end.
func (s *VoiceSink) Stop() {
	s.mu.Lock()
	sess := s.cur
	s.cur = nil
	s.mu.Unlock()
	if sess == nil {
		return
	}

	sess.stopped.Store(true)
	sess.cancel()
	select {
	case <-sess.done:
	case <-time.After(2 * time.Second):
		slog.Warn("voice sink stop timed out")
	}
}

func (s *VoiceSink) producePackets(sess *playSession, produced chan<- struct{}) {
	defer close(produced)
	defer sess.src.Close()
	defer sess.buf.MarkEOS()

	var pts48 int64
	for {
		if sess.ctx.Err() != nil {
			return
		}
		pkt, err := sess.src.ReadPacket()
		if err != nil {
			if !errors.Is(err, io.EOF) && sess.ctx.Err() == nil {
				sess.setErr(err)
			}
			return
		}

		for !sess.buf.Push(pkt, pts48) {
			select {
			case <-sess.ctx.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		pts48 += opusFrameSize
	}
}

func (s *VoiceSink) consumePackets(sess *playSession, produced <-chan struct{}, onEnd func(error)) {
	natural := s.pump(sess)

	sess.buf.Flush()
	sess.buf.Close()
	sess.cancel()
	// the producer owns the source; nothing outlives the session
	<-produced

	s.mu.Lock()
	if s.cur == sess {
		s.cur = nil
	}
	s.mu.Unlock()
	close(sess.done)

	if natural && !sess.stopped.Load() {
		onEnd(sess.failure())
	}
}

// pump sends one packet per tick and reports whether the stream ran to its end.
func (s *VoiceSink) pump(sess *playSession) bool {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	speaking := false
	setSpeaking := func(on bool) {
		if speaking == on {
			return
		}
		if out := s.output(); out != nil {
			_ = out.Speaking(on)
		}
		speaking = on
	}
	defer setSpeaking(false)

	dropped := 0
	for {
		select {
		case <-sess.ctx.Done():
			return false
		case <-ticker.C:
		}

		if sess.paused.Load() {
			speaking = false
			continue
		}

		pkt, ok := sess.buf.Pop()
		if !ok {
			if sess.buf.Drained() {
				return sess.ctx.Err() == nil
			}
			continue
		}

		out := s.output()
		if out == nil {
			continue
		}
		setSpeaking(true)

		select {
		case <-sess.ctx.Done():
			return false
		case out.Frames() <- pkt.data:
			dropped = 0
		case <-time.After(200 * time.Millisecond):
			dropped++
			slog.Debug("dropped opus packet", "consecutive", dropped, "pts", pkt.pts48)
		}
	}
}
