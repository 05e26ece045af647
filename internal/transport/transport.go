package transport

import "context"

// Voice is one live voice connection as seen by the audio sink.
type Voice interface {
	Speaking(bool) error
	Frames() chan<- []byte
}

// Transport is the voice capability a session drives.
type Transport interface {
	Connect(ctx context.Context, channelID string) (Voice, error)
	// Disconnect is always an operator-initiated leave.
	Disconnect(ctx context.Context) error
	IsConnected() bool
	CurrentChannel() string
	// Lost delivers the channel id of every involuntary disconnect.
	Lost() <-chan string
	// Deserted fires when no listener is left in the connected channel.
	Deserted() <-chan string
}
