package client_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/corvidio/natswire/client"
	"github.com/corvidio/natswire/proto"
	"github.com/corvidio/natswire/transport"

	"github.com/stretchr/testify/require"
)

const infoLine = `INFO {"server_id":"a","server_name":"a","version":"2.10.7","go":"go1.21","host":"h","port":4222,"headers":true,"proto":1}` + "\r\n"

// fakeServer accepts exactly one connection and hands it to handle, running
// in its own goroutine so the test can drive a client against it.
func fakeServer(t *testing.T, handle func(c net.Conn)) net.Addr {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		handle(c)
	}()
	return l.Addr()
}

func newLayer() *transport.Layer {
	return transport.NewLayer(nil, func() *proto.Parser { return proto.NewParser() })
}

func TestClientConnectWaitsForInfo(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		c.Write([]byte(infoLine))
		time.Sleep(200 * time.Millisecond)
	})

	c, err := client.Connect(newLayer(), transport.NetworkTCP, addr.String())
	require.NoError(t, err)
	require.NotNil(t, c.Info)
	require.Equal(t, "a", c.Info.ServerID)
}

func TestClientConnectTimesOutWithoutInfo(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		time.Sleep(500 * time.Millisecond)
	})

	_, err := client.Connect(newLayer(), transport.NetworkTCP, addr.String(), client.WithInfoTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, client.ErrInfoTimeout)
}

func TestClientPublishWritesWireFrame(t *testing.T) {
	received := make(chan string, 1)
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		c.Write([]byte(infoLine))
		r := bufio.NewReader(c)
		line, _ := r.ReadString('\n')
		received <- line
	})

	c, err := client.Connect(newLayer(), transport.NetworkTCP, addr.String())
	require.NoError(t, err)

	require.NoError(t, c.Publish("foo.bar", []byte("hi")))

	select {
	case line := <-received:
		require.Equal(t, "PUB foo.bar 2\r\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PUB line")
	}
}

func TestClientPublishRequestIncludesReplyTo(t *testing.T) {
	received := make(chan string, 1)
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		c.Write([]byte(infoLine))
		r := bufio.NewReader(c)
		line, _ := r.ReadString('\n')
		received <- line
	})

	c, err := client.Connect(newLayer(), transport.NetworkTCP, addr.String())
	require.NoError(t, err)
	require.NoError(t, c.PublishRequest("foo.bar", "reply.to", []byte("hi")))

	select {
	case line := <-received:
		require.Equal(t, "PUB foo.bar reply.to 2\r\n", line)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PUB line")
	}
}

func TestClientSubscribeReceivesMsg(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		c.Write([]byte(infoLine))
		r := bufio.NewReader(c)
		r.ReadString('\n') // SUB line
		c.Write([]byte("MSG foo.bar 1 5\r\nhello\r\n"))
	})

	c, err := client.Connect(newLayer(), transport.NetworkTCP, addr.String())
	require.NoError(t, err)

	sid, events, err := c.Subscribe("foo.bar")
	require.NoError(t, err)
	require.Equal(t, uint64(1), sid)

	select {
	case ev := <-events:
		require.Equal(t, proto.OpMsg, ev.Op)
		require.Equal(t, []byte("hello"), ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for MSG delivery")
	}
}

func TestClientAnswersPing(t *testing.T) {
	pongReceived := make(chan struct{})
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		c.Write([]byte(infoLine))
		c.Write([]byte("PING\r\n"))
		buf := make([]byte, 16)
		n, _ := c.Read(buf)
		if n > 0 && string(buf[:n]) == "PONG\r\n" {
			close(pongReceived)
		}
	})

	_, err := client.Connect(newLayer(), transport.NetworkTCP, addr.String())
	require.NoError(t, err)

	select {
	case <-pongReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("client did not answer PING")
	}
}

func TestClientUnsubscribeClosesChannel(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		c.Write([]byte(infoLine))
		r := bufio.NewReader(c)
		r.ReadString('\n') // SUB line
		r.ReadString('\n') // UNSUB line
	})

	c, err := client.Connect(newLayer(), transport.NetworkTCP, addr.String())
	require.NoError(t, err)

	sid, events, err := c.Subscribe("foo.bar")
	require.NoError(t, err)
	require.NoError(t, c.Unsubscribe(sid))

	_, ok := <-events
	require.False(t, ok)
}
