package ws

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialTestConnection(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestRegistry_BroadcastReachesAllConnections(t *testing.T) {
	reg := NewRegistry()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		wsConn := NewConnection(conn, "room-1", "client-1", "", "", "")
		reg.Register(wsConn)
	}))
	defer srv.Close()

	clientConn := dialTestConnection(t, srv)
	defer clientConn.Close()

	time.Sleep(50 * time.Millisecond)
	if reg.CountConnections("room-1") != 1 {
		t.Fatalf("CountConnections = %d, want 1", reg.CountConnections("room-1"))
	}

	reg.Broadcast("room-1", map[string]string{"type": "ping"})

	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("received %q", data)
	}
}

func TestRegistry_UnregisterRemovesConnection(t *testing.T) {
	reg := NewRegistry()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _ := upgrader.Upgrade(w, r, nil)
		wsConn := NewConnection(conn, "room-1", "client-1", "", "", "")
		reg.Register(wsConn)
		reg.Unregister(wsConn)
	}))
	defer srv.Close()

	clientConn := dialTestConnection(t, srv)
	defer clientConn.Close()

	time.Sleep(50 * time.Millisecond)
	if reg.CountConnections("room-1") != 0 {
		t.Errorf("CountConnections = %d, want 0 after unregister", reg.CountConnections("room-1"))
	}
}
