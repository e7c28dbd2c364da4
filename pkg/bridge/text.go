package bridge

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/n0ot/muxbridged/pkg/mux"
)

// ControlPrefix marks a client frame as a channel-switch command.
const ControlPrefix = "CHANNEL:"

var (
	// ErrNotText is returned for frames containing bytes with the high bit set.
	ErrNotText = errors.New("frame is not single-byte text")
	// ErrBadControl is returned for control frames without a decimal channel.
	ErrBadControl = errors.New("malformed channel command")
	// ErrChannelRange is returned for control frames naming a channel that does not exist.
	ErrChannelRange = errors.New("channel out of range")
)

// Text is a frame confirmed to consist only of single-byte code points.
// It is always safe to send as a websocket text frame.
type Text string

// Raw is a frame that failed text validation. It is never forwarded.
type Raw []byte

// ValidateText confirms that every byte of p is below 0x80.
// Multi-byte encodings are rejected rather than decoded.
func ValidateText(p []byte) (Text, error) {
	for _, b := range p {
		if b >= 0x80 {
			return "", ErrNotText
		}
	}
	return Text(p), nil
}

// Printable reports whether b may be sent from the serial link to clients.
func Printable(b byte) bool {
	return (b >= 0x20 && b <= 0x7e) || b == '\n' || b == '\r' || b == '\t'
}

// IsControl reports whether t is a channel-switch command.
func IsControl(t Text) bool {
	return strings.HasPrefix(string(t), ControlPrefix)
}

// ParseControl extracts the channel from a CHANNEL:<digits> frame.
func ParseControl(t Text) (mux.Channel, error) {
	if !IsControl(t) {
		return mux.None, ErrBadControl
	}
	digits := string(t[len(ControlPrefix):])
	if digits == "" {
		return mux.None, ErrBadControl
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return mux.None, ErrBadControl
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return mux.None, ErrChannelRange
	}
	c := mux.Channel(n)
	if !c.Valid() {
		return mux.None, ErrChannelRange
	}
	return c, nil
}
