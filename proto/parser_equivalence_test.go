package proto

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// equivalentEvents ignores the fields a byte-at-a-time walk cannot be
// expected to reproduce exactly (neither formulation buffers Info by
// pointer identity) and compares the externally observable event stream.
func equivalentEvents(t *testing.T, got, want []Event) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Op, got[i].Op, "event %d op", i)
		require.Equal(t, want[i].Sid, got[i].Sid, "event %d sid", i)
		require.Equal(t, want[i].Subject, got[i].Subject, "event %d subject", i)
		require.Equal(t, want[i].ReplyTo, got[i].ReplyTo, "event %d replyto", i)
		require.Equal(t, want[i].Message, got[i].Message, "event %d message", i)
		require.Equal(t, want[i].Header, got[i].Header, "event %d header", i)
		require.Equal(t, want[i].Payload, got[i].Payload, "event %d payload", i)
		if want[i].Info != nil {
			require.NotNil(t, got[i].Info)
			require.Equal(t, *want[i].Info, *got[i].Info)
		} else {
			require.Nil(t, got[i].Info)
		}
	}
}

// TestParsersAgree drives both state-machine formulations over the same
// session and requires they emit identical events, under both a single
// whole-buffer feed and a byte-at-a-time feed. This is the guarantee
// spec.md §9 asks for when it keeps two formulations around.
func TestParsersAgree(t *testing.T) {
	header := "NATS/1.0\r\nX-Trace: abc\r\n\r\n"
	body := "hello there"
	total := len(header) + len(body)

	sessions := []string{
		"PING\r\n",
		"PONG\r\n",
		"+OK\r\n",
		"-ERR 'Authorization Violation'\r\n",
		"MSG foo.bar 9 5\r\nhello\r\n",
		"msg foo.bar 9 reply.to 5\r\nhello\r\n",
		fmt.Sprintf("HMSG foo.bar 9 reply.to %d %d\r\n%s%s\r\n", len(header), total, header, body),
		`INFO {"server_id":"a1","server_name":"a1","version":"2.10.7","go":"go1.21","host":"0.0.0.0","port":4222,"headers":true,"proto":1}` + "\r\n",
		"PING\r\nMSG a.b 1 3\r\nxyz\r\n+OK\r\n",
	}

	for _, session := range sessions {
		t.Run(session, func(t *testing.T) {
			data := []byte(session)

			scanner := NewParser()
			require.NoError(t, scanner.Parse(data))
			wantEvents := scanner.DrainEvents()

			ref := NewReferenceParser()
			require.NoError(t, ref.Parse(data))
			gotEvents := ref.DrainEvents()
			equivalentEvents(t, gotEvents, wantEvents)

			// Now byte-at-a-time through the reference machine.
			ref2 := NewReferenceParser()
			var gotByte []Event
			for i := 0; i < len(data); i++ {
				require.NoError(t, ref2.Parse(data[i:i+1]))
				gotByte = append(gotByte, ref2.DrainEvents()...)
			}
			equivalentEvents(t, gotByte, wantEvents)
		})
	}
}

// TestParsersAgreeOnProtocolErrors checks that malformed input is rejected
// by both formulations, even if the exact offending byte they report
// differs.
func TestParsersAgreeOnProtocolErrors(t *testing.T) {
	bad := []string{
		"BOGUS\r\n",
		"MSG foo.bar nine 5\r\nhello\r\n",
		"HMSG foo.bar 9 3 8\r\nabcxhello\r\n",
	}
	for _, session := range bad {
		t.Run(session, func(t *testing.T) {
			data := []byte(session)

			scanner := NewParser()
			errScanner := scanner.Parse(data)
			require.Error(t, errScanner)

			ref := NewReferenceParser()
			errRef := ref.Parse(data)
			require.Error(t, errRef)
		})
	}
}
