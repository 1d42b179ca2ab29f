package l1packets

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/mmwave.tracker/internal/mmwave/l2frames"
	"github.com/banshee-data/mmwave.tracker/internal/timeutil"
)

// UDPSource receives sensor output forwarded as UDP datagrams.
type UDPSource struct {
	conn   *net.UDPConn
	reader *StreamReader
}

// ListenUDP binds address (e.g. ":2368") with the given receive buffer size.
// A zero rcvBuf keeps the OS default.
func ListenUDP(address string, rcvBuf int, clock timeutil.Clock, interval time.Duration) (*UDPSource, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	if rcvBuf > 0 {
		if err := conn.SetReadBuffer(rcvBuf); err != nil {
			streamLog("failed to set UDP receive buffer to %d: %v", rcvBuf, err)
		}
	}
	streamLog("listening for sensor datagrams on %s", conn.LocalAddr())
	dr := &datagramReader{conn: conn, scratch: make([]byte, MaxPacketSize)}
	return &UDPSource{conn: conn, reader: NewStreamReader(dr, clock, interval)}, nil
}

// Addr returns the bound local address.
func (u *UDPSource) Addr() net.Addr { return u.conn.LocalAddr() }

// Next returns the next frame received.
func (u *UDPSource) Next(ctx context.Context) (*l2frames.Frame, error) {
	return u.reader.Next(ctx)
}

// Close closes the socket, unblocking any pending Next.
func (u *UDPSource) Close() error { return u.conn.Close() }

// datagramReader serves whole datagrams through io.Reader so that a short
// destination buffer never truncates a datagram.
type datagramReader struct {
	conn    *net.UDPConn
	scratch []byte
	buf     []byte
}

func (d *datagramReader) Read(b []byte) (int, error) {
	for len(d.buf) == 0 {
		n, _, err := d.conn.ReadFromUDP(d.scratch)
		if err != nil {
			return 0, err
		}
		d.buf = d.scratch[:n]
	}
	n := copy(b, d.buf)
	d.buf = d.buf[n:]
	return n, nil
}
