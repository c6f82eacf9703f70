package devserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MacJediWizard/minitube/internal/api"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(HubConfig{}, zerolog.Nop())
	hub.Start()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, r.URL.Query().Get("vid"), "tester")
	}))
	t.Cleanup(func() {
		hub.Stop()
		ts.Close()
	})
	return hub, ts
}

func dialHub(t *testing.T, ts *httptest.Server, vid string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?vid=" + vid
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHub_PublishReachesVideoClients(t *testing.T) {
	hub, ts := newTestHub(t)

	watcher := dialHub(t, ts, "v1")
	other := dialHub(t, ts, "v2")
	require.Eventually(t, func() bool {
		return hub.ClientCount("v1") == 1 && hub.ClientCount("v2") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, hub.TotalClientCount())

	hub.Publish(api.Comment{ID: 7, VideoID: "v1", Message: "hello"})

	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := watcher.ReadMessage()
	require.NoError(t, err)

	var got api.Comment
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, "hello", got.Message)

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "client on another video must not receive the comment")
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, ts := newTestHub(t)

	conn := dialHub(t, ts, "v1")
	require.Eventually(t, func() bool { return hub.ClientCount("v1") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount("v1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_StopClosesClients(t *testing.T) {
	hub, ts := newTestHub(t)

	conn := dialHub(t, ts, "v1")
	require.Eventually(t, func() bool { return hub.ClientCount("v1") == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Stop()
	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, hub.TotalClientCount())
}
