package output

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/orchidgate/orchidgate/internal/buffer"
	"github.com/orchidgate/orchidgate/internal/pipe"
)

// UDPSocket is the Inner behind Output<UDPSocket>: a connected UDP socket
// to a single remote host:port, the "outbound UDP flow to an arbitrary
// host" ConnectTag establishes.
type UDPSocket struct {
	conn *net.UDPConn

	mu    sync.Mutex
	drain pipe.Drain
}

// DialUDP connects a UDP socket to addr (host:port) and starts its read
// loop immediately; attach a Drain via SetDrain before traffic is
// expected, which output.New does as part of wrapping this inner.
func DialUDP(addr string) (*UDPSocket, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("output: resolving %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("output: dialing %q: %w", addr, err)
	}

	u := &UDPSocket{conn: conn}
	go u.readLoop()
	return u, nil
}

// LocalAddr returns the local ephemeral endpoint address, the reply
// payload for ConnectTag.
func (u *UDPSocket) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

// SetDrain attaches the Drain notified of inbound datagrams and socket
// failure.
func (u *UDPSocket) SetDrain(d pipe.Drain) {
	u.mu.Lock()
	u.drain = d
	u.mu.Unlock()
}

// Send writes data as a single UDP datagram.
func (u *UDPSocket) Send(ctx context.Context, data buffer.Buffer) error {
	_, err := u.conn.Write(buffer.Materialize(data))
	return err
}

// Shut closes the socket, unblocking the read loop.
func (u *UDPSocket) Shut(ctx context.Context) error {
	return u.conn.Close()
}

func (u *UDPSocket) readLoop() {
	buf := make([]byte, 65535)
	for {
		n, err := u.conn.Read(buf)
		if err != nil {
			u.mu.Lock()
			drain := u.drain
			u.mu.Unlock()
			if drain != nil {
				drain.Stop(fmt.Errorf("output: udp read: %w", err))
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		u.mu.Lock()
		drain := u.drain
		u.mu.Unlock()
		if drain != nil {
			drain.Land(buffer.Wrap(data))
		}
	}
}
