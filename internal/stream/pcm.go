package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/asticode/go-astiav"
)

// PCMStreamer decodes a local asset into interleaved s16le stereo 48 kHz PCM
// readable from Reader().
type PCMStreamer struct {
	path        string
	fc          *astiav.FormatContext
	audioStream *astiav.Stream
	decCtx      *astiav.CodecContext
	swr         *astiav.SoftwareResampleContext
	srcFrame    *astiav.Frame
	dstFrame    *astiav.Frame

	cancel context.CancelFunc
	pr     *io.PipeReader
	pw     *io.PipeWriter
	done   chan struct{}
}

const (
	pcmSampleRate = 48000
	pcmChannels   = 2
)

// StartPCMStream opens path, seeks to offset when positive and starts decoding
// in the background.
func StartPCMStream(ctx context.Context, path string, offset time.Duration) (*PCMStreamer, error) {
	fc := astiav.AllocFormatContext()
	if fc == nil {
		return nil, errors.New("alloc format context")
	}
	if err := fc.OpenInput(path, nil, nil); err != nil {
		fc.Free()
		return nil, fmt.Errorf("open input: %w", err)
	}
	if err := fc.FindStreamInfo(nil); err != nil {
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("find stream info: %w", err)
	}

	st, codec, err := fc.FindBestStream(astiav.MediaTypeAudio, -1, -1)
	if err != nil || st == nil || codec == nil {
		fc.CloseInput()
		fc.Free()
		if err != nil {
			return nil, fmt.Errorf("find best audio stream: %w", err)
		}
		return nil, errors.New("no audio stream found")
	}

	decCtx := astiav.AllocCodecContext(codec)
	if decCtx == nil {
		fc.CloseInput()
		fc.Free()
		return nil, errors.New("alloc codec context")
	}
	if err := decCtx.FromCodecParameters(st.CodecParameters()); err != nil {
		decCtx.Free()
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("codec from params: %w", err)
	}
	decCtx.SetTimeBase(st.TimeBase())
	if err := decCtx.Open(codec, nil); err != nil {
		decCtx.Free()
		fc.CloseInput()
		fc.Free()
		return nil, fmt.Errorf("open decoder: %w", err)
	}

	swr := astiav.AllocSoftwareResampleContext()
	srcFrame := astiav.AllocFrame()
	dstFrame := astiav.AllocFrame()
	if swr == nil || srcFrame == nil || dstFrame == nil {
		if srcFrame != nil {
			srcFrame.Free()
		}
		if dstFrame != nil {
			dstFrame.Free()
		}
		if swr != nil {
			swr.Free()
		}
		decCtx.Free()
		fc.CloseInput()
		fc.Free()
		return nil, errors.New("alloc resampler")
	}

	if offset > 0 {
		ts := int64(offset.Seconds() / st.TimeBase().Float64())
		if err := fc.SeekFrame(st.Index(), ts, astiav.NewSeekFlags()); err != nil {
			slog.Warn("seek failed, starting from the beginning", "path", path, "offset", offset, "err", err)
		} else {
			_ = fc.Flush()
		}
	}

	pr, pw := io.Pipe()
	runCtx, cancel := context.WithCancel(ctx)
	s := &PCMStreamer{
		path:        path,
		fc:          fc,
		audioStream: st,
		decCtx:      decCtx,
		swr:         swr,
		srcFrame:    srcFrame,
		dstFrame:    dstFrame,
		cancel:      cancel,
		pr:          pr,
		pw:          pw,
		done:        make(chan struct{}),
	}
	go s.run(runCtx)
	return s, nil
}

func (s *PCMStreamer) Reader() io.Reader { return s.pr }

// Close stops decoding and frees the decoder once the background loop is gone.
func (s *PCMStreamer) Close() {
	s.cancel()
	_ = s.pr.Close()
	<-s.done

	s.srcFrame.Free()
	s.dstFrame.Free()
	s.swr.Free()
	s.decCtx.Free()
	s.fc.CloseInput()
	s.fc.Free()
}

func (s *PCMStreamer) run(ctx context.Context) {
	defer close(s.done)

	err := s.decode(ctx)
	if err != nil && ctx.Err() == nil {
		slog.Warn("pcm decode stopped", "path", s.path, "err", err)
	}
	// readers see io.EOF on a clean end and the decode error otherwise
	_ = s.pw.CloseWithError(err)
}

func (s *PCMStreamer) decode(ctx context.Context) error {
	packet := astiav.AllocPacket()
	defer packet.Free()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		packet.Unref()
		if err := s.fc.ReadFrame(packet); err != nil {
			if errors.Is(err, astiav.ErrEof) {
				if err := s.decCtx.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
					return fmt.Errorf("flush decoder: %w", err)
				}
				return s.drain()
			}
			if errors.Is(err, astiav.ErrEagain) {
				continue
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if packet.StreamIndex() != s.audioStream.Index() {
			continue
		}

		if err := s.decCtx.SendPacket(packet); err != nil && !errors.Is(err, astiav.ErrEagain) {
			return fmt.Errorf("send packet: %w", err)
		}
		if err := s.drain(); err != nil {
			return err
		}
	}
}

// drain writes every frame the decoder has ready.
func (s *PCMStreamer) drain() error {
	for {
		s.srcFrame.Unref()
		if err := s.decCtx.ReceiveFrame(s.srcFrame); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("receive frame: %w", err)
		}
		if err := s.writeFrame(s.srcFrame); err != nil {
			return err
		}
	}
}

func (s *PCMStreamer) writeFrame(src *astiav.Frame) error {
	s.dstFrame.Unref()
	s.dstFrame.SetChannelLayout(astiav.ChannelLayoutStereo)
	s.dstFrame.SetSampleRate(pcmSampleRate)
	s.dstFrame.SetSampleFormat(astiav.SampleFormatS16)
	s.dstFrame.SetNbSamples(src.NbSamples())
	if err := s.dstFrame.AllocBuffer(0); err != nil {
		return fmt.Errorf("dst alloc buffer: %w", err)
	}
	if err := s.swr.ConvertFrame(src, s.dstFrame); err != nil {
		return fmt.Errorf("swr convert: %w", err)
	}
	b, err := s.dstFrame.Data().Bytes(0)
	if err != nil {
		return fmt.Errorf("dst bytes: %w", err)
	}
	_, err = s.pw.Write(b)
	return err
}
