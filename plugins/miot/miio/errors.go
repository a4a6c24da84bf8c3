package miio

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportTimeout is returned when no datagram arrives within the call window.
	ErrTransportTimeout = errors.New("miio: transport timeout")
	// ErrProtocolDecode covers bad framing, failed decryption and malformed JSON.
	ErrProtocolDecode   = errors.New("miio: protocol decode failed")
	ErrChecksumMismatch = fmt.Errorf("%w: checksum mismatch", ErrProtocolDecode)
	ErrHandshakeFailed  = errors.New("miio: handshake failed")
	ErrSessionClosed    = errors.New("miio: session closed")
)

// AckTimeoutCode is the device error code for "user ack timeout". Replies
// carrying it are retried after a reconnect.
const AckTimeoutCode = -9999

// DeviceError is an error object returned inside a device reply.
type DeviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("miio device error %d: %s", e.Code, e.Message)
}

// IsAckTimeout reports whether err carries the ack-timeout device code.
func IsAckTimeout(err error) bool {
	var devErr *DeviceError
	return errors.As(err, &devErr) && devErr.Code == AckTimeoutCode
}
