package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func TestHub_Empty(t *testing.T) {
	hub := NewHub()

	assert.Equal(t, 0, hub.ConnectionCount())
	assert.False(t, hub.IsOnline(123))
	assert.NoError(t, hub.SendToAccount(123, &Message{Type: "balance_update"}))
}

// startServer 每个连接注册到 hub，直到客户端断开
func startServer(t *testing.T, hub *Hub, accountID int64) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}

		client := &Client{AccountID: accountID, Conn: conn}
		hub.Register(client)
		defer hub.Unregister(client)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn
}

func TestHub_SendToAccount(t *testing.T) {
	hub := NewHub()
	server := startServer(t, hub, 100)
	defer server.Close()

	conn1 := dial(t, server)
	defer conn1.Close()
	conn2 := dial(t, server)
	defer conn2.Close()

	require.Eventually(t, func() bool { return hub.ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.True(t, hub.IsOnline(100))

	err := hub.SendToAccount(100, &Message{Type: "balance_update", Data: map[string]int64{"balance": 40}})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var msg Message
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "balance_update", msg.Type)
		assert.EqualValues(t, 40, msg.Data.(map[string]interface{})["balance"])
	}
}

func TestHub_UnregisterOnDisconnect(t *testing.T) {
	hub := NewHub()
	server := startServer(t, hub, 7)
	defer server.Close()

	conn := dial(t, server)
	require.Eventually(t, func() bool { return hub.IsOnline(7) }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !hub.IsOnline(7) }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, hub.ConnectionCount())
}

func TestHub_CloseAll(t *testing.T) {
	hub := NewHub()
	server := startServer(t, hub, 9)
	defer server.Close()

	conn := dial(t, server)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.IsOnline(9) }, time.Second, 10*time.Millisecond)

	hub.CloseAll()
	assert.Equal(t, 0, hub.ConnectionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
