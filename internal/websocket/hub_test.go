package websocket

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
	"github.com/vdavid/threadmail/internal/models"
)

// serveHub registers every incoming connection for partnerID and returns the
// ws:// URL of the test server.
func serveHub(t *testing.T, hub *Hub, partnerID int64) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := hub.Register(partnerID, conn)
		if client == nil {
			return
		}
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					hub.Unregister(partnerID, client)
					return
				}
			}
		}()
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPublishReachesEveryConnectionOfThePartner(t *testing.T) {
	hub := NewHub(5)
	url := serveHub(t, hub, 7)

	first := dial(t, url)
	second := dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections(7) == 2 }, time.Second, 10*time.Millisecond)

	hub.Publish([]models.LiveEvent{
		{PartnerID: 7, Type: models.EventNewMessage, Payload: map[string]int64{"message_id": 3}, Unread: 2},
		{PartnerID: 8, Type: models.EventNewMessage, Unread: 1},
	})

	for _, conn := range []*websocket.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var got map[string]any
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, models.EventNewMessage, got["type"])
		assert.EqualValues(t, 2, got["unread"])
		assert.NotContains(t, got, "PartnerID")
	}
}

func TestRegisterEnforcesLimit(t *testing.T) {
	hub := NewHub(1)
	url := serveHub(t, hub, 7)

	dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections(7) == 1 }, time.Second, 10*time.Millisecond)

	extra := dial(t, url)
	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := extra.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
	assert.Equal(t, 1, hub.ActiveConnections(7))
}

func TestUnregisterOnDisconnect(t *testing.T) {
	hub := NewHub(5)
	url := serveHub(t, hub, 7)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections(7) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ActiveConnections(7) == 0 }, 2*time.Second, 10*time.Millisecond)

	// Publishing to a partner without sessions is a no-op.
	hub.Publish([]models.LiveEvent{{PartnerID: 7, Type: models.EventMessageRead}})
}
