package output

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/orchidgate/orchidgate/internal/buffer"
	"github.com/orchidgate/orchidgate/internal/pipe"
)

type recordingDrain struct {
	frames chan buffer.Buffer
	failed chan error
}

func newRecordingDrain() *recordingDrain {
	return &recordingDrain{
		frames: make(chan buffer.Buffer, 8),
		failed: make(chan error, 1),
	}
}

func (d *recordingDrain) Land(data buffer.Buffer) { d.frames <- data }
func (d *recordingDrain) Stop(err error)          { d.failed <- err }

var _ pipe.Drain = (*recordingDrain)(nil)

func echoServer(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func TestUDPSocketRoundTrip(t *testing.T) {
	t.Parallel()
	addr := echoServer(t)

	sock, err := DialUDP(addr.String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { sock.Shut(context.Background()) })

	drain := newRecordingDrain()
	sock.SetDrain(drain)

	if err := sock.Send(context.Background(), buffer.WrapString("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-drain.frames:
		if gotStr := buffer.Str(got); gotStr != "ping" {
			t.Errorf("echoed payload = %q, want %q", gotStr, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed datagram")
	}
}

func TestUDPSocketLocalAddr(t *testing.T) {
	t.Parallel()
	addr := echoServer(t)
	sock, err := DialUDP(addr.String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { sock.Shut(context.Background()) })

	if sock.LocalAddr() == "" {
		t.Error("LocalAddr() returned empty string")
	}
}

func TestUDPSocketShutNotifiesDrainStop(t *testing.T) {
	t.Parallel()
	addr := echoServer(t)
	sock, err := DialUDP(addr.String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}

	drain := newRecordingDrain()
	sock.SetDrain(drain)

	if err := sock.Shut(context.Background()); err != nil {
		t.Fatalf("Shut: %v", err)
	}

	select {
	case <-drain.failed:
	case <-time.After(2 * time.Second):
		t.Fatal("Shut did not unblock the read loop and notify Stop")
	}
}
