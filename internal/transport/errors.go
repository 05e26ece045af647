package transport

import "fmt"

type Kind int

const (
	Unknown Kind = iota
	ConnectFailed
	AlreadyConnected
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ConnectFailed:
		return "ConnectFailed"
	case AlreadyConnected:
		return "AlreadyConnected"
	case Timeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is a transport failure. errors.Is matches it against the kind
// sentinels below.
type Error struct {
	Kind      Kind
	ChannelID string
	Err       error
}

var (
	ErrConnectFailed    = &Error{Kind: ConnectFailed}
	ErrAlreadyConnected = &Error{Kind: AlreadyConnected}
	ErrTimeout          = &Error{Kind: Timeout}
	ErrUnknown          = &Error{Kind: Unknown}
)

func (e *Error) Error() string {
	msg := "voice " + e.Kind.String()
	if e.ChannelID != "" {
		msg = fmt.Sprintf("%s (channel %s)", msg, e.ChannelID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.ChannelID == "" && t.Err == nil
}
