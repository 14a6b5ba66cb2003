package interfaces_test

import (
	"testing"

	"watchparty/pkg/interfaces"
)

type mockConnection struct {
	clientID, roomID, token, externalID string
	pongs                               int
}

func (m *mockConnection) WriteJSON(v interface{}) error { return nil }
func (m *mockConnection) Close() error                  { return nil }
func (m *mockConnection) ClientID() string               { return m.clientID }
func (m *mockConnection) RoomID() string                 { return m.roomID }
func (m *mockConnection) Token() string                  { return m.token }
func (m *mockConnection) ExternalID() string              { return m.externalID }
func (m *mockConnection) MarkPonged()                     { m.pongs++ }

type mockBroadcaster struct {
	sent []string
}

func (b *mockBroadcaster) Broadcast(roomID string, v interface{}) { b.sent = append(b.sent, roomID) }
func (b *mockBroadcaster) Send(roomID, clientID string, v interface{}) error {
	b.sent = append(b.sent, roomID+"/"+clientID)
	return nil
}
func (b *mockBroadcaster) CountConnections(roomID string) int { return len(b.sent) }

func TestConnection_InterfaceContract(t *testing.T) {
	var conn interfaces.Connection = &mockConnection{clientID: "c1", roomID: "r1", token: "tok", externalID: "u1"}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if conn.ClientID() != "c1" || conn.RoomID() != "r1" || conn.Token() != "tok" || conn.ExternalID() != "u1" {
		t.Error("accessor methods did not return the expected values")
	}
	conn.MarkPonged()
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestBroadcaster_InterfaceContract(t *testing.T) {
	var b interfaces.Broadcaster = &mockBroadcaster{}

	b.Broadcast("r1", map[string]string{"type": "sync"})
	if err := b.Send("r1", "c1", map[string]string{"type": "pong"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := b.CountConnections("r1"); got == 0 {
		t.Errorf("CountConnections() = %d, want > 0 after broadcasting", got)
	}
}

func TestErrors_AreDistinct(t *testing.T) {
	if interfaces.ErrRoomNotRegistered == interfaces.ErrClientNotFound {
		t.Error("ErrRoomNotRegistered and ErrClientNotFound must be distinct sentinels")
	}
}
