package miio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// BroadcastAddress is the limited broadcast address used for LAN scans.
const BroadcastAddress = "255.255.255.255"

// Discovery is a handshake reply and the address it came from.
type Discovery struct {
	HandshakeInfo
	Addr *net.UDPAddr
	Seen time.Time
}

// Discover sends one handshake to addr and waits for the first reply. It
// has no timeout of its own: ctx is the only bound.
func Discover(ctx context.Context, addr string) (Discovery, error) {
	return discover(ctx, addr, listenUDP)
}

func discover(ctx context.Context, addr string, listen ListenFunc) (Discovery, error) {
	target, err := net.ResolveUDPAddr("udp4", withDefaultPort(addr))
	if err != nil {
		return Discovery{}, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := listen()
	if err != nil {
		return Discovery{}, err
	}
	defer conn.Close()

	if _, err := conn.WriteTo(HandshakeRequest(), target); err != nil {
		return Discovery{}, fmt.Errorf("send handshake: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Discovery{}, ctxErr
			}
			return Discovery{}, err
		}
		d, err := decodeDiscovery(buf[:n], from)
		if err != nil {
			continue
		}
		return d, nil
	}
}

// Scan broadcasts a handshake and collects replies until ctx ends. Replies
// are deduplicated by source address, keeping the latest.
func Scan(ctx context.Context, broadcastAddr string) ([]Discovery, error) {
	return scan(ctx, broadcastAddr, listenUDP)
}

func scan(ctx context.Context, broadcastAddr string, listen ListenFunc) ([]Discovery, error) {
	if broadcastAddr == "" {
		broadcastAddr = BroadcastAddress
	}
	target, err := net.ResolveUDPAddr("udp4", withDefaultPort(broadcastAddr))
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", broadcastAddr, err)
	}
	conn, err := listen()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.WriteTo(HandshakeRequest(), target); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	seen := make(map[string]int)
	var out []Discovery
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
				return out, nil
			}
			return out, err
		}
		d, err := decodeDiscovery(buf[:n], from)
		if err != nil {
			continue
		}
		key := d.Addr.String()
		if idx, ok := seen[key]; ok {
			out[idx] = d
			continue
		}
		seen[key] = len(out)
		out = append(out, d)
	}
}

func decodeDiscovery(data []byte, from net.Addr) (Discovery, error) {
	pkt, err := Codec{}.Unpack(data, true)
	if err != nil {
		return Discovery{}, err
	}
	udpAddr, _ := from.(*net.UDPAddr)
	return Discovery{HandshakeInfo: pkt.HandshakeInfo, Addr: udpAddr, Seen: time.Now()}, nil
}
