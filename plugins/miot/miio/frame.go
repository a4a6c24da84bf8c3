package miio

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Frame header layout (big endian):
//
//	offset  size  field
//	0       2     magic 0x2131
//	2       2     length (header + ciphertext)
//	4       4     reserved, 0 (0xffffffff in handshake requests)
//	8       2     device type
//	10      2     device id
//	12      4     timestamp
//	16      16    md5(header[0:16] ++ token ++ ciphertext)
//	32      n     AES-128-CBC ciphertext
const (
	Magic       uint16 = 0x2131
	HeaderSize         = 32
	DefaultPort        = 54321
)

// Identity identifies one physical device. DeviceType and DeviceID are only
// known after a handshake.
type Identity struct {
	DeviceType uint16
	DeviceID   uint16
	DID        string
}

// ClockOffset pairs the device's timestamp counter with the local time it
// was observed.
type ClockOffset struct {
	TimeStamp  uint32
	CapturedAt time.Time
}

// At returns the device timestamp projected to now.
func (c ClockOffset) At(now time.Time) uint32 {
	if c.CapturedAt.IsZero() {
		return c.TimeStamp
	}
	elapsed := now.Sub(c.CapturedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return c.TimeStamp + uint32(elapsed/time.Second)
}

// HandshakeInfo holds the identity fields present in every frame header.
type HandshakeInfo struct {
	DeviceType uint16
	DeviceID   uint16
	Timestamp  uint32
}

// DID renders the type and id fields as the decimal device id used by the
// cloud device list.
func (h HandshakeInfo) DID() string {
	return strconv.FormatUint(uint64(h.DeviceType)<<16|uint64(h.DeviceID), 10)
}

// Clock converts the header timestamp into a ClockOffset captured at now.
func (h HandshakeInfo) Clock(now time.Time) ClockOffset {
	return ClockOffset{TimeStamp: h.Timestamp, CapturedAt: now}
}

// Packet is a decoded frame. Payload is nil for handshake-shaped frames.
type Packet struct {
	HandshakeInfo
	Length   uint16
	Checksum [16]byte
	Payload  json.RawMessage
}

func (p Packet) IsHandshake() bool {
	return p.Payload == nil
}

// Codec packs and unpacks frames for a single device token.
type Codec struct {
	Token Token
	// VerifyChecksum rejects data frames whose checksum does not match.
	// Devices are tolerant of this in practice, so it is off by default.
	VerifyChecksum bool
}

// HandshakeRequest returns the 32-byte hello frame.
func HandshakeRequest() []byte {
	buf := bytes.Repeat([]byte{0xff}, HeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], HeaderSize)
	return buf
}

// Pack encrypts payload and wraps it in a frame addressed to identity.
func (c Codec) Pack(payload []byte, identity Identity, clock ClockOffset, now time.Time) ([]byte, error) {
	ciphertext, err := encrypt(c.Token, payload)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}
	length := HeaderSize + len(ciphertext)
	if length > 0xffff {
		return nil, fmt.Errorf("payload too large: %d bytes", len(payload))
	}

	buf := &bytes.Buffer{}
	buf.Grow(length)
	_ = binary.Write(buf, binary.BigEndian, Magic)
	_ = binary.Write(buf, binary.BigEndian, uint16(length))
	_ = binary.Write(buf, binary.BigEndian, uint32(0))
	_ = binary.Write(buf, binary.BigEndian, identity.DeviceType)
	_ = binary.Write(buf, binary.BigEndian, identity.DeviceID)
	_ = binary.Write(buf, binary.BigEndian, clock.At(now))
	buf.Write(make([]byte, 16))
	buf.Write(ciphertext)

	frame := buf.Bytes()
	copy(frame[16:32], c.checksum(frame[:16], ciphertext))
	return frame, nil
}

// Unpack decodes a frame. Handshake-shaped frames, or any frame when
// expectHandshake is set, yield header fields only.
func (c Codec) Unpack(frame []byte, expectHandshake bool) (Packet, error) {
	if len(frame) < HeaderSize {
		return Packet{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrProtocolDecode, len(frame))
	}
	if magic := binary.BigEndian.Uint16(frame[0:2]); magic != Magic {
		return Packet{}, fmt.Errorf("%w: bad magic 0x%04x", ErrProtocolDecode, magic)
	}

	pkt := Packet{
		HandshakeInfo: HandshakeInfo{
			DeviceType: binary.BigEndian.Uint16(frame[8:10]),
			DeviceID:   binary.BigEndian.Uint16(frame[10:12]),
			Timestamp:  binary.BigEndian.Uint32(frame[12:16]),
		},
		Length: binary.BigEndian.Uint16(frame[2:4]),
	}
	copy(pkt.Checksum[:], frame[16:32])

	if expectHandshake || len(frame) <= HeaderSize || pkt.Length <= HeaderSize {
		return pkt, nil
	}

	end := int(pkt.Length)
	if end > len(frame) {
		return Packet{}, fmt.Errorf("%w: length %d exceeds frame size %d", ErrProtocolDecode, end, len(frame))
	}
	ciphertext := frame[HeaderSize:end]

	if c.VerifyChecksum && !bytes.Equal(c.checksum(frame[:16], ciphertext), pkt.Checksum[:]) {
		return Packet{}, ErrChecksumMismatch
	}

	plaintext, err := decrypt(c.Token, ciphertext)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	plaintext = bytes.TrimRight(plaintext, "\x00")
	if !json.Valid(plaintext) {
		return Packet{}, fmt.Errorf("%w: payload is not json", ErrProtocolDecode)
	}
	pkt.Payload = json.RawMessage(plaintext)
	return pkt, nil
}

func (c Codec) checksum(header, ciphertext []byte) []byte {
	data := make([]byte, 0, len(header)+len(c.Token)+len(ciphertext))
	data = append(data, header...)
	data = append(data, c.Token[:]...)
	data = append(data, ciphertext...)
	return md5Bytes(data)
}
