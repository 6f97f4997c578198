// Package wsfabric implements the notification fabric: a per-account
// registry of open sockets carrying metadata-only envelopes (never
// ciphertext), built on gorilla/websocket.Upgrader with a typed
// auth-then-frame protocol in front of it.
//
// The registry lives in this process only: NotifyNewMessage reaches only
// sockets connected to the same process. Sharing the registry across
// processes (for example over Redis pub/sub) is not implemented.
package wsfabric

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	closeAuthRequired = 4001
	closeInvalidToken = 4002
)

// Authenticator resolves a bearer token to an account identifier, the same
// contract auth.Gate.Authenticate satisfies.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (uuid.UUID, error)
}

type clientFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type serverFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Registry is the per-account socket set. A single mutex guards the map; fanout and registration both take it only
// for the structural mutation, not for the blocking socket write.
type Registry struct {
	mu       sync.RWMutex
	sockets  map[uuid.UUID]map[*socket]struct{}
	auth     Authenticator
	logger   logrus.FieldLogger
}

type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes; gorilla connections are not write-concurrent-safe.
}

func (s *socket) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// New constructs a Registry backed by auth for token resolution.
func New(auth Authenticator, logger logrus.FieldLogger) *Registry {
	return &Registry{
		sockets: make(map[uuid.UUID]map[*socket]struct{}),
		auth:    auth,
		logger:  logger,
	}
}

// ServeHTTP upgrades the connection and runs its protocol state machine to
// completion, registering and deregistering it from the account set as it
// authenticates and closes.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	sock := &socket{conn: conn}
	defer conn.Close()

	var first clientFrame
	if err := conn.ReadJSON(&first); err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthRequired, "auth required"), time.Now().Add(time.Second))
		return
	}
	if first.Type != "auth" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeAuthRequired, "auth required"), time.Now().Add(time.Second))
		return
	}

	accountID, err := r.auth.Authenticate(req.Context(), first.Token)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeInvalidToken, "invalid token"), time.Now().Add(time.Second))
		return
	}

	if err := sock.writeJSON(serverFrame{Type: "auth_ok"}); err != nil {
		return
	}
	r.register(accountID, sock)
	defer r.deregister(accountID, sock)

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "ping":
			if err := sock.writeJSON(serverFrame{Type: "pong"}); err != nil {
				return
			}
		default:
			// Malformed or unexpected frames are silently dropped: logging
			// them would create a metadata side channel.
		}
	}
}

func (r *Registry) register(accountID uuid.UUID, s *socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sockets[accountID]
	if !ok {
		set = make(map[*socket]struct{})
		r.sockets[accountID] = set
	}
	set[s] = struct{}{}
}

func (r *Registry) deregister(accountID uuid.UUID, s *socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sockets[accountID]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.sockets, accountID)
	}
}

// NotifyNewMessage fans a new-message marker out to every socket currently
// registered for accountID. Write failures silently deregister the socket
// — the client will simply drain on its next poll or reconnect.
func (r *Registry) NotifyNewMessage(accountID uuid.UUID, messageID string) {
	r.mu.RLock()
	targets := make([]*socket, 0, len(r.sockets[accountID]))
	for s := range r.sockets[accountID] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	frame := serverFrame{Type: "new_message", MessageID: messageID}
	for _, s := range targets {
		if err := s.writeJSON(frame); err != nil {
			r.deregister(accountID, s)
		}
	}
}
