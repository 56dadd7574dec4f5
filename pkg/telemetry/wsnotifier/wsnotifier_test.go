package wsnotifier_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrax/soe/pkg/telemetry/wsnotifier"
)

func TestNotifier_BroadcastsLoggedEventToSubscriber(t *testing.T) {
	n := wsnotifier.New(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := n.ServeHTTP(w, r, "sub-1", nil)
		assert.NoError(t, err)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return n.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	n.LogEvent(context.Background(), "exec-1", "node.completed", map[string]any{"node_name": "call"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "exec-1")
	assert.Contains(t, string(msg), "node.completed")
}

func TestNotifier_FilterExcludesOtherExecutions(t *testing.T) {
	n := wsnotifier.New(nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := n.ServeHTTP(w, r, "sub-1", wsnotifier.ExecutionFilter{ExecutionID: "exec-wanted"})
		assert.NoError(t, err)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return n.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	n.LogEvent(context.Background(), "exec-other", "node.completed", nil)
	n.LogEvent(context.Background(), "exec-wanted", "node.completed", nil)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "exec-wanted")
}
