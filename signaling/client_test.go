package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer upgrades the connection, pushes one answer message, then
// echoes everything it receives back to the client.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		if err := conn.WriteJSON(Message{Type: TypeAnswer, SDP: "v=0 answer"}); err != nil {
			return
		}
		for {
			var msg Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialReceiveAndEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	received := make(chan Message, 4)
	client, err := Dial(context.Background(), wsURL(srv), func(msg Message) {
		received <- msg
	})
	require.NoError(t, err)
	defer client.Close()

	select {
	case msg := <-received:
		assert.Equal(t, TypeAnswer, msg.Type)
		assert.Equal(t, "v=0 answer", msg.SDP)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server answer")
	}

	idx := uint16(0)
	mid := "0"
	out := Message{
		Type:     TypeICECandidate,
		ClientID: "client-1",
		Candidate: &ICECandidate{
			Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		},
	}
	require.NoError(t, client.Send(out))

	select {
	case msg := <-received:
		assert.Equal(t, TypeICECandidate, msg.Type)
		assert.Equal(t, "client-1", msg.ClientID)
		require.NotNil(t, msg.Candidate)
		assert.Equal(t, out.Candidate.Candidate, msg.Candidate.Candidate)
		require.NotNil(t, msg.Candidate.SDPMLineIndex)
		assert.Equal(t, idx, *msg.Candidate.SDPMLineIndex)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/nope", nil)
	assert.Error(t, err)
}

func TestSendAfterCloseFails(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	client, err := Dial(context.Background(), wsURL(srv), nil)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	assert.NoError(t, client.Close(), "close is idempotent")

	assert.Error(t, client.Send(Message{Type: TypeStopVideo}))
}
