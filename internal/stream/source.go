package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Source yields 20 ms opus packets and io.EOF after the last one.
type Source interface {
	ReadPacket() ([]byte, error)
	Close()
}

// Opener starts a Source for a local asset at offset.
type Opener func(ctx context.Context, path string, offset time.Duration) (Source, error)

// OpenAsset decodes path with astiav and re-encodes to opus frames for the
// voice connection.
func OpenAsset(ctx context.Context, path string, offset time.Duration) (Source, error) {
	pcm, err := StartPCMStream(ctx, path, offset)
	if err != nil {
		return nil, err
	}
	enc, err := NewEncoder()
	if err != nil {
		pcm.Close()
		return nil, err
	}
	return &encodedSource{
		pcm:   pcm,
		enc:   enc,
		r:     bufio.NewReaderSize(pcm.Reader(), 128*1024),
		frame: make([]byte, enc.FrameBytes()),
	}, nil
}

type encodedSource struct {
	pcm     *PCMStreamer
	enc     *Encoder
	r       *bufio.Reader
	frame   []byte
	pending [][]byte
	ended   bool
}

func (s *encodedSource) ReadPacket() ([]byte, error) {
	for len(s.pending) == 0 {
		if s.ended {
			return nil, io.EOF
		}
		if err := s.fill(); err != nil {
			return nil, err
		}
	}
	pkt := s.pending[0]
	s.pending = s.pending[1:]
	return pkt, nil
}

func (s *encodedSource) fill() error {
	collect := func(pkt []byte) error {
		s.pending = append(s.pending, append([]byte(nil), pkt...))
		return nil
	}

	n, err := io.ReadFull(s.r, s.frame)
	switch {
	case err == nil:
		return s.enc.EncodeFrame(s.frame, collect)
	case errors.Is(err, io.ErrUnexpectedEOF):
		// pad the trailing partial frame with silence
		clear(s.frame[n:])
		if err := s.enc.EncodeFrame(s.frame, collect); err != nil {
			return err
		}
		fallthrough
	case errors.Is(err, io.EOF):
		s.ended = true
		return s.enc.Flush(collect)
	default:
		return fmt.Errorf("read pcm: %w", err)
	}
}

func (s *encodedSource) Close() {
	s.pcm.Close()
	s.enc.Close()
}
