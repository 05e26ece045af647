package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord is the Transport for one guild on a discordgo session.
type Discord struct {
	s           *discordgo.Session
	guildID     string
	joinTimeout time.Duration

	mu        sync.Mutex
	vc        *discordgo.VoiceConnection
	channelID string
	leaving   bool

	lost     chan string
	deserted chan string
	remove   func()
}

type voice struct {
	vc *discordgo.VoiceConnection
}

func (v voice) Speaking(on bool) error { return v.vc.Speaking(on) }
func (v voice) Frames() chan<- []byte { return v.vc.OpusSend }

func NewDiscord(s *discordgo.Session, guildID string) *Discord {
	d := &Discord{
		s:           s,
		guildID:     guildID,
		joinTimeout: 10 * time.Second,
		lost:        make(chan string, 1),
		deserted:    make(chan string, 1),
	}
	if s != nil {
		d.remove = s.AddHandler(d.onVoiceStateUpdate)
	}
	return d
}

// Close unregisters the gateway handler. It does not leave the channel.
func (d *Discord) Close() {
	if d.remove != nil {
		d.remove()
	}
}

func (d *Discord) Lost() <-chan string { return d.lost }
func (d *Discord) Deserted() <-chan string { return d.deserted }

func (d *Discord) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vc != nil
}

func (d *Discord) CurrentChannel() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channelID
}

func (d *Discord) Connect(ctx context.Context, channelID string) (Voice, error) {
	d.mu.Lock()
	if d.vc != nil {
		vc, cur := d.vc, d.channelID
		d.mu.Unlock()
		if cur == channelID {
			return voice{vc: vc}, nil
		}
		return nil, &Error{Kind: AlreadyConnected, ChannelID: cur}
	}
	d.leaving = false
	d.mu.Unlock()

	jctx, cancel := context.WithTimeout(ctx, d.joinTimeout)
	defer cancel()

	vc, err := d.s.ChannelVoiceJoin(jctx, d.guildID, channelID, false, true)
	if err != nil {
		kind := ConnectFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(jctx.Err(), context.DeadlineExceeded) {
			kind = Timeout
		}
		return nil, &Error{Kind: kind, ChannelID: channelID, Err: err}
	}
	if vc == nil {
		return nil, &Error{Kind: Unknown, ChannelID: channelID, Err: errors.New("join returned no connection")}
	}
	// Kill() closes these; nil channels panic there
	if vc.OpusSend == nil {
		vc.OpusSend = make(chan []byte, 2)
	}
	if vc.OpusRecv == nil {
		vc.OpusRecv = make(chan *discordgo.Packet, 2)
	}

	d.mu.Lock()
	d.vc = vc
	d.channelID = channelID
	d.mu.Unlock()

	slog.Info("voice connected", "guildID", d.guildID, "channelID", channelID)
	return voice{vc: vc}, nil
}

func (d *Discord) Disconnect(ctx context.Context) error {
	vc := d.release()
	if vc == nil {
		return nil
	}
	return d.safeDisconnect(ctx, vc)
}

// release forgets the connection and marks the coming leave as requested.
func (d *Discord) release() *discordgo.VoiceConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaving = true
	vc := d.vc
	d.vc = nil
	d.channelID = ""
	return vc
}

// safeDisconnect tolerates half-initialized connections.
func (d *Discord) safeDisconnect(ctx context.Context, vc *discordgo.VoiceConnection) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("voice disconnect panic recovered", "panic", r, "guildID", d.guildID)
			err = &Error{Kind: Unknown, Err: errors.New("disconnect panicked")}
		}
	}()

	if vc.OpusSend == nil {
		vc.OpusSend = make(chan []byte, 2)
	}
	if vc.OpusRecv == nil {
		vc.OpusRecv = make(chan *discordgo.Packet, 2)
	}
	_ = vc.Speaking(false)

	dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return vc.Disconnect(dctx)
}

func (d *Discord) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil || v.GuildID != d.guildID {
		return
	}
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	if v.UserID == botID {
		d.botMoved(v.ChannelID)
		return
	}

	cur := d.CurrentChannel()
	if cur == "" {
		return
	}
	g, err := s.State.Guild(d.guildID)
	if err != nil {
		return
	}
	n := listeners(g.VoiceStates, cur, botID, func(userID string) bool {
		m, err := s.State.Member(d.guildID, userID)
		return err == nil && m.User != nil && m.User.Bot
	})
	if n == 0 {
		notify(d.deserted, cur)
	}
}

// botMoved applies a voice state change of the bot user itself. An empty
// channel means the bot left; unless Disconnect asked for that, it is a loss.
func (d *Discord) botMoved(channelID string) {
	d.mu.Lock()
	if channelID != "" {
		if d.vc != nil && d.channelID != channelID {
			slog.Info("voice channel moved", "guildID", d.guildID, "from", d.channelID, "to", channelID)
			d.channelID = channelID
		}
		d.mu.Unlock()
		return
	}

	last := d.channelID
	manual := d.leaving
	wasConnected := d.vc != nil
	d.vc = nil
	d.channelID = ""
	d.mu.Unlock()

	if manual || !wasConnected {
		return
	}
	slog.Warn("voice connection lost", "guildID", d.guildID, "channelID", last)
	notify(d.lost, last)
}

func listeners(states []*discordgo.VoiceState, channelID, botID string, isBot func(string) bool) int {
	n := 0
	for _, vs := range states {
		if vs == nil || vs.ChannelID != channelID || vs.UserID == botID {
			continue
		}
		if isBot != nil && isBot(vs.UserID) {
			continue
		}
		n++
	}
	return n
}

// notify never blocks the gateway goroutine; one pending signal is enough.
func notify(ch chan string, v string) {
	select {
	case ch <- v:
	default:
	}
}
