package stream

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/asticode/go-astiav"
)

type OpusPacketHandler func(pkt []byte) error

// Encoder wraps libopus at 48 kHz stereo with 20 ms frames.
type Encoder struct {
	cc        *astiav.CodecContext
	frame     *astiav.Frame
	packet    *astiav.Packet
	channels  int
	frameSize int // samples per channel, 960 for 20 ms
}

const (
	opusFrameSize = 960
	opusBitrate   = 128_000
)

func NewEncoder() (*Encoder, error) {
	codec := astiav.FindEncoderByName("libopus")
	if codec == nil {
		return nil, errors.New("libopus encoder not found (check ffmpeg installation)")
	}

	cc := astiav.AllocCodecContext(codec)
	if cc == nil {
		return nil, errors.New("alloc libopus codec context")
	}
	cc.SetSampleRate(pcmSampleRate)
	cc.SetChannelLayout(astiav.ChannelLayoutStereo)
	cc.SetSampleFormat(astiav.SampleFormatS16)
	cc.SetBitRate(opusBitrate)

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("frame_duration", "20", 0)
	_ = opts.Set("application", "audio", 0)

	if err := cc.Open(codec, opts); err != nil {
		cc.Free()
		return nil, fmt.Errorf("open opus encoder: %w", err)
	}

	frame := astiav.AllocFrame()
	if frame == nil {
		cc.Free()
		return nil, errors.New("alloc encoder frame")
	}
	frame.SetSampleRate(pcmSampleRate)
	frame.SetChannelLayout(astiav.ChannelLayoutStereo)
	frame.SetSampleFormat(astiav.SampleFormatS16)
	frame.SetNbSamples(opusFrameSize)
	if err := frame.AllocBuffer(0); err != nil {
		frame.Free()
		cc.Free()
		return nil, fmt.Errorf("alloc frame buffer: %w", err)
	}

	pkt := astiav.AllocPacket()
	if pkt == nil {
		frame.Free()
		cc.Free()
		return nil, errors.New("alloc encoder packet")
	}

	slog.Debug("opus encoder ready", "sampleRate", cc.SampleRate(), "bitrate", cc.BitRate())
	return &Encoder{
		cc:        cc,
		frame:     frame,
		packet:    pkt,
		channels:  pcmChannels,
		frameSize: opusFrameSize,
	}, nil
}

func (e *Encoder) Close() {
	e.packet.Free()
	e.frame.Free()
	e.cc.Free()
}

// EncodeFrame takes exactly FrameBytes of interleaved s16le PCM.
func (e *Encoder) EncodeFrame(pcm []byte, onPacket OpusPacketHandler) error {
	if len(pcm) != e.FrameBytes() {
		return fmt.Errorf("invalid PCM frame size: expected %d bytes, got %d", e.FrameBytes(), len(pcm))
	}
	if err := e.frame.MakeWritable(); err != nil {
		return fmt.Errorf("frame writable: %w", err)
	}
	if err := e.frame.Data().SetBytes(pcm, 0); err != nil {
		return fmt.Errorf("set frame bytes: %w", err)
	}
	if err := e.cc.SendFrame(e.frame); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	return e.receive(onPacket)
}

func (e *Encoder) Flush(onPacket OpusPacketHandler) error {
	if err := e.cc.SendFrame(nil); err != nil {
		if errors.Is(err, astiav.ErrEof) {
			return nil
		}
		return fmt.Errorf("send flush frame: %w", err)
	}
	return e.receive(onPacket)
}

func (e *Encoder) receive(onPacket OpusPacketHandler) error {
	for {
		e.packet.Unref()
		if err := e.cc.ReceivePacket(e.packet); err != nil {
			if errors.Is(err, astiav.ErrEagain) || errors.Is(err, astiav.ErrEof) {
				return nil
			}
			return fmt.Errorf("receive opus packet: %w", err)
		}
		if err := onPacket(e.packet.Data()); err != nil {
			return fmt.Errorf("packet handler: %w", err)
		}
	}
}

func (e *Encoder) FrameBytes() int {
	return e.frameSize * e.channels * 2
}
