package avatarkit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/carebridge-ai/avatarkit/shared"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsServer struct {
	*httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	paths []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	upgrader := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.paths = append(s.paths, r.URL.Path)
		s.mu.Unlock()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.conns) > 0 {
			conn := s.conns[0]
			s.mu.Unlock()
			return conn
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no websocket connection arrived")
	return nil
}

func connectedChannel(t *testing.T, srv *wsServer, mh MessageHandler, bh BinaryHandler) *ControlChannel {
	t.Helper()
	ch, err := NewControlChannel(shared.NewNopLogger(), srv.wsURL())
	require.NoError(t, err)
	require.NoError(t, ch.RegisterMessageHandler(mh))
	if bh != nil {
		require.NoError(t, ch.RegisterBinaryHandler(bh))
	}
	require.NoError(t, ch.Connect(context.Background(), "session_test"))
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestControlChannelDeliversInReceiptOrder(t *testing.T) {
	srv := newWSServer(t)

	var mu sync.Mutex
	var got []string
	ch := connectedChannel(t, srv, func(msg *ServerMessage) {
		mu.Lock()
		got = append(got, msg.Text)
		mu.Unlock()
	}, nil)
	assert.Equal(t, ChannelStateOpen, ch.State())

	conn := srv.conn(t)
	for _, text := range []string{"one", "two", "three", "four"} {
		payload, err := sonic.Marshal(&ServerMessage{Type: MessageTypeAIResponse, Text: text})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three", "four"}, got)
	mu.Unlock()
}

func TestControlChannelDropsMalformedFrames(t *testing.T) {
	srv := newWSServer(t)

	var mu sync.Mutex
	var got []string
	connectedChannel(t, srv, func(msg *ServerMessage) {
		mu.Lock()
		got = append(got, msg.Text)
		mu.Unlock()
	}, nil)

	conn := srv.conn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not even json`)))
	payload, err := sonic.Marshal(&ServerMessage{Type: MessageTypeAIResponse, Text: "still alive"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "still alive"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestControlChannelBinaryFrames(t *testing.T) {
	srv := newWSServer(t)

	audio := make(chan []byte, 1)
	connectedChannel(t, srv,
		func(msg *ServerMessage) {},
		func(data []byte) { audio <- data },
	)

	conn := srv.conn(t)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}))

	select {
	case data := <-audio:
		assert.Equal(t, []byte{0x01, 0x02, 0x03}, data)
	case <-time.After(2 * time.Second):
		t.Fatal("binary frame never arrived")
	}
}

func TestControlChannelSend(t *testing.T) {
	srv := newWSServer(t)
	ch := connectedChannel(t, srv, func(msg *ServerMessage) {}, nil)

	require.NoError(t, ch.SendAudio([]byte{0xAA, 0xBB}))
	require.NoError(t, ch.SendSpeakText("welcome"))

	conn := srv.conn(t)
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, []byte{0xAA, 0xBB}, data)

	kind, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var cmd SpeakTextCommand
	require.NoError(t, sonic.Unmarshal(data, &cmd))
	assert.Equal(t, CommandTypeSpeakText, cmd.Type)
	assert.Equal(t, "welcome", cmd.Text)
}

func TestControlChannelSendWhenNotOpen(t *testing.T) {
	ch, err := NewControlChannel(shared.NewNopLogger(), "ws://localhost:1")
	require.NoError(t, err)

	assert.ErrorIs(t, ch.SendAudio([]byte{0x01}), shared.ErrChannelNotOpen)
	assert.ErrorIs(t, ch.SendSpeakText("x"), shared.ErrChannelNotOpen)
}

func TestControlChannelConnectFailure(t *testing.T) {
	ch, err := NewControlChannel(shared.NewNopLogger(), "ws://localhost:1")
	require.NoError(t, err)
	require.NoError(t, ch.RegisterMessageHandler(func(msg *ServerMessage) {}))

	err = ch.Connect(context.Background(), "session_test")
	assert.ErrorIs(t, err, shared.ErrConnectionFailed)
	assert.Equal(t, ChannelStateErrored, ch.State())
}

func TestControlChannelRemoteClose(t *testing.T) {
	srv := newWSServer(t)

	closed := make(chan error, 1)
	ch, err := NewControlChannel(shared.NewNopLogger(), srv.wsURL())
	require.NoError(t, err)
	require.NoError(t, ch.RegisterMessageHandler(func(msg *ServerMessage) {}))
	require.NoError(t, ch.RegisterCloseHandler(func(err error) { closed <- err }))
	require.NoError(t, ch.Connect(context.Background(), "session_test"))

	conn := srv.conn(t)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, msg))

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close handler never fired")
	}
	assert.Equal(t, ChannelStateClosed, ch.State())
	assert.ErrorIs(t, ch.SendAudio([]byte{0x01}), shared.ErrChannelNotOpen)
}

func TestControlChannelRejectsHandlersAfterConnect(t *testing.T) {
	srv := newWSServer(t)
	ch := connectedChannel(t, srv, func(msg *ServerMessage) {}, nil)

	assert.Error(t, ch.RegisterBinaryHandler(func(data []byte) {}))
	assert.Error(t, ch.RegisterCloseHandler(func(err error) {}))
}

func TestControlChannelRequiresMessageHandler(t *testing.T) {
	srv := newWSServer(t)
	ch, err := NewControlChannel(shared.NewNopLogger(), srv.wsURL())
	require.NoError(t, err)
	assert.ErrorIs(t, ch.Connect(context.Background(), "session_test"), shared.ErrNoMessageHandler)
}

func TestControlChannelSessionEndpoint(t *testing.T) {
	srv := newWSServer(t)
	connectedChannel(t, srv, func(msg *ServerMessage) {}, nil)
	srv.conn(t)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.paths, 1)
	assert.Equal(t, "/ws/session_test", srv.paths[0])
}
