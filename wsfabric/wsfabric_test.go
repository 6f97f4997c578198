package wsfabric

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var errBadToken = errors.New("invalid_token")

type fakeAuthenticator struct {
	accountID uuid.UUID
}

func (f fakeAuthenticator) Authenticate(_ context.Context, bearer string) (uuid.UUID, error) {
	if bearer != "good-token" {
		return uuid.UUID{}, errBadToken
	}
	return f.accountID, nil
}

func newTestRegistry(accountID uuid.UUID) *Registry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(fakeAuthenticator{accountID: accountID}, logger)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestAuthThenNotify(t *testing.T) {
	accountID := uuid.New()
	reg := newTestRegistry(accountID)
	ts := httptest.NewServer(reg)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteJSON(clientFrame{Type: "auth", Token: "good-token"}); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	var ack serverFrame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read auth_ok: %v", err)
	}
	if ack.Type != "auth_ok" {
		t.Fatalf("expected auth_ok, got %+v", ack)
	}

	reg.NotifyNewMessage(accountID, "msg-1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var notice serverFrame
	if err := conn.ReadJSON(&notice); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if notice.Type != "new_message" || notice.MessageID != "msg-1" {
		t.Fatalf("unexpected notification: %+v", notice)
	}
}

func TestInvalidTokenClosesWithCode(t *testing.T) {
	reg := newTestRegistry(uuid.New())
	ts := httptest.NewServer(reg)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteJSON(clientFrame{Type: "auth", Token: "bad-token"}); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != closeInvalidToken {
		t.Errorf("expected close code %d, got %d", closeInvalidToken, closeErr.Code)
	}
}

func TestNonAuthFirstFrameRejected(t *testing.T) {
	reg := newTestRegistry(uuid.New())
	ts := httptest.NewServer(reg)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteJSON(clientFrame{Type: "ping"}); err != nil {
		t.Fatalf("write ping frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != closeAuthRequired {
		t.Errorf("expected close code %d, got %d", closeAuthRequired, closeErr.Code)
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	accountID := uuid.New()
	reg := newTestRegistry(accountID)
	ts := httptest.NewServer(reg)
	defer ts.Close()

	conn := dial(t, ts.URL)
	if err := conn.WriteJSON(clientFrame{Type: "auth", Token: "good-token"}); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	var ack serverFrame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read auth_ok: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		reg.mu.RLock()
		n := len(reg.sockets[accountID])
		reg.mu.RUnlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket never deregistered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A notification to a fully-disconnected account must not panic or block.
	reg.NotifyNewMessage(accountID, "msg-2")
}
