package broker_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/corvidio/natswire/broker"
	"github.com/corvidio/natswire/client"
	"github.com/corvidio/natswire/proto"
	"github.com/corvidio/natswire/transport"

	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, opts ...broker.Option) net.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := broker.New(opts...)
	go b.Serve(l)
	t.Cleanup(func() { l.Close() })
	return l.Addr()
}

func dial(t *testing.T, addr net.Addr) *client.Client {
	t.Helper()
	layer := transport.NewLayer(nil, func() *proto.Parser { return proto.NewParser() })
	c, err := client.Connect(layer, transport.NetworkTCP, addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBrokerSendsInfoOnConnect(t *testing.T) {
	addr := startBroker(t)
	c := dial(t, addr)
	require.NotNil(t, c.Info)
	require.Equal(t, proto.Version{Major: 2, Minor: 10, Patch: 16}, c.Info.Version)
}

func TestBrokerPublishSubscribeRoundTrip(t *testing.T) {
	addr := startBroker(t)
	sub := dial(t, addr)
	pub := dial(t, addr)

	_, events, err := sub.Subscribe("orders.new")
	require.NoError(t, err)

	// Give the SUB line a moment to land before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, pub.Publish("orders.new", []byte("hello world")))

	select {
	case ev := <-events:
		require.Equal(t, proto.OpMsg, ev.Op)
		require.Equal(t, "orders.new", ev.Subject)
		require.Equal(t, []byte("hello world"), ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestBrokerHeaderRoundTrip(t *testing.T) {
	addr := startBroker(t)
	sub := dial(t, addr)
	pub := dial(t, addr)

	_, events, err := sub.Subscribe("orders.headers")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// Exercise HPUB directly over the wire: the client package only
	// builds PUB frames, so this drives the broker's HPUB decode path
	// with a hand-built frame the way a full client would.
	header := "NATS/1.0\r\nX-Trace: abc\r\n\r\n"
	body := "hi"
	layer := transport.NewLayer(nil, func() *proto.Parser { return proto.NewParser() })
	raw, err := layer.Dial(transport.NetworkTCP, addr.String(), func(proto.Event, transport.Connection) {})
	require.NoError(t, err)
	defer raw.Close()

	frame := []byte("HPUB orders.headers " +
		strconv.Itoa(len(header)) + " " + strconv.Itoa(len(header)+len(body)) + "\r\n" +
		header + body + "\r\n")
	require.NoError(t, raw.WriteFrame(frame))

	select {
	case ev := <-events:
		require.Equal(t, proto.OpHMsg, ev.Op)
		require.Equal(t, []byte("NATS/1.0\r\nX-Trace: abc"), ev.Header)
		require.Equal(t, []byte("hi"), ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published header message")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	addr := startBroker(t)
	sub := dial(t, addr)
	pub := dial(t, addr)

	sid, events, err := sub.Subscribe("orders.cancel")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sub.Unsubscribe(sid))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pub.Publish("orders.cancel", []byte("should not arrive")))

	select {
	case _, ok := <-events:
		require.False(t, ok, "channel should be closed by Unsubscribe, not deliver a message")
	case <-time.After(300 * time.Millisecond):
		// No delivery within the window is the expected outcome too.
	}
}
