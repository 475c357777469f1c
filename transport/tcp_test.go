package transport_test

import (
	"net"
	"testing"
	"time"

	"github.com/corvidio/natswire/proto"
	"github.com/corvidio/natswire/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// listenLoopback starts addr on "127.0.0.1:0", returning the bound address
// once Serve has a listener up.
func listenLoopback(t *testing.T, tcp *transport.TCPTransport, handler transport.Handler) net.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr()
	l.Close() // free the port; Serve rebinds it below (best effort, flaky under parallel runs but fine here)

	go func() {
		_ = tcp.Serve(addr.String(), handler)
	}()
	time.Sleep(20 * time.Millisecond)
	return addr
}

func TestTCPTransportDecodesFramesFromConnection(t *testing.T) {
	tcp := transport.NewTCPTransport(func() *proto.Parser { return proto.NewParser() })
	defer tcp.Close()

	events := make(chan proto.Event, 8)
	addr := listenLoopback(t, tcp, func(ev proto.Event, c transport.Connection) {
		events <- ev
	})

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("PING\r\nMSG a.b 1 3\r\nxyz\r\n"))
	require.NoError(t, err)

	var got []proto.Event
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for decoded events")
		}
	}
	require.Equal(t, proto.OpPing, got[0].Op)
	require.Equal(t, proto.OpMsg, got[1].Op)
	require.Equal(t, []byte("xyz"), got[1].Payload)
}

func TestTCPTransportClosesOnProtocolError(t *testing.T) {
	tcp := transport.NewTCPTransport(func() *proto.Parser { return proto.NewParser() })
	defer tcp.Close()

	events := make(chan proto.Event, 4)
	addr := listenLoopback(t, tcp, func(ev proto.Event, c transport.Connection) {
		events <- ev
	})

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("BOGUS\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Read(buf)
	require.Error(t, err) // server closed the connection after the protocol error
}

func TestWithDialTimeoutBoundsCreateConnection(t *testing.T) {
	tcp := transport.NewTCPTransport(
		func() *proto.Parser { return proto.NewParser() },
		transport.WithDialTimeout(50*time.Millisecond),
		transport.WithTransportLogger(zerolog.Nop()),
	)
	defer tcp.Close()

	// 192.0.2.1 is TEST-NET-1 (RFC 5737): reserved for documentation, never
	// routable, so the dial blocks until the timeout fires instead of
	// getting an immediate connection-refused.
	start := time.Now()
	_, err := tcp.CreateConnection("192.0.2.1:4222", func(proto.Event, transport.Connection) {})
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Less(t, elapsed, 2*time.Second)
}
