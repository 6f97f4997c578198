package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/auth"
	"github.com/veilmsg/relay/ephemeral/inmemory"
	"github.com/veilmsg/relay/keys"
	"github.com/veilmsg/relay/ratelimit"
	"github.com/veilmsg/relay/relay"
	"github.com/veilmsg/relay/storage/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.New(logger)
	eph := inmemory.New()

	gate, err := auth.New(store, eph, []byte("test-secret"), 0, logger)
	if err != nil {
		t.Fatalf("auth.New: %v", err)
	}
	keySvc := keys.New(store)
	relaySvc := relay.New(store, nil)
	limiter := ratelimit.New(eph)

	srv := New(gate, keySvc, relaySvc, limiter, nil, store, eph, logger, "test", Config{})
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate identity key: %v", err)
	}
	return httptest.NewServer(srv.Router()), pub, priv
}

func doJSON(t *testing.T, method, url string, body interface{}, bearer string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		enc, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(enc)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func register(t *testing.T, url string, pub ed25519.PublicKey, priv ed25519.PrivateKey) string {
	t.Helper()
	signedPub, signedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signed prekey: %v", err)
	}
	_ = signedPriv
	sig := ed25519.Sign(priv, signedPub)

	body := map[string]interface{}{
		"public_key":      hex.EncodeToString(pub),
		"registration_id": 1,
		"signed_prekey": map[string]interface{}{
			"key_id":     1,
			"public_key": hex.EncodeToString(signedPub),
			"signature":  hex.EncodeToString(sig),
		},
	}
	resp, out := doJSON(t, http.MethodPost, url+"/api/v1/accounts/register", body, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d, body %v", resp.StatusCode, out)
	}
	id, _ := out["account_id"].(string)
	if id == "" {
		t.Fatalf("register: missing account_id in %v", out)
	}
	return id
}

func challengeAndVerify(t *testing.T, url string, pub ed25519.PublicKey, priv ed25519.PrivateKey) string {
	t.Helper()
	resp, out := doJSON(t, http.MethodPost, url+"/api/v1/accounts/challenge", map[string]string{
		"public_key": hex.EncodeToString(pub),
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("challenge: status %d, body %v", resp.StatusCode, out)
	}
	nonceHex, _ := out["nonce"].(string)
	if nonceHex == "" {
		t.Fatalf("challenge: missing nonce in %v", out)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}

	sig := ed25519.Sign(priv, nonce)
	resp, out = doJSON(t, http.MethodPost, url+"/api/v1/accounts/verify", map[string]string{
		"public_key": hex.EncodeToString(pub),
		"signature":  hex.EncodeToString(sig),
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status %d, body %v", resp.StatusCode, out)
	}
	tok, _ := out["token"].(string)
	if tok == "" {
		t.Fatalf("verify: missing token in %v", out)
	}
	return tok
}

func TestRegisterChallengeVerifyFlow(t *testing.T) {
	ts, pub, priv := newTestServer(t)
	defer ts.Close()

	register(t, ts.URL, pub, priv)
	tok := challengeAndVerify(t, ts.URL, pub, priv)

	resp, out := doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/receive", nil, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("receive: status %d, body %v", resp.StatusCode, out)
	}
	messages, _ := out["messages"].([]interface{})
	if len(messages) != 0 {
		t.Fatalf("expected an empty queue for a fresh account, got %v", messages)
	}
}

func TestSendReceiveDelete(t *testing.T) {
	ts, senderPub, senderPriv := newTestServer(t)
	defer ts.Close()

	recipientPub, recipientPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate recipient key: %v", err)
	}

	register(t, ts.URL, senderPub, senderPriv)
	recipientID := register(t, ts.URL, recipientPub, recipientPriv)
	recipientTok := challengeAndVerify(t, ts.URL, recipientPub, recipientPriv)

	resp, out := doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages/send", map[string]interface{}{
		"recipient_id": recipientID,
		"ciphertext":   hex.EncodeToString([]byte("hello")),
	}, recipientTok)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send: status %d, body %v", resp.StatusCode, out)
	}
	msgID, _ := out["message_id"].(string)
	if msgID == "" {
		t.Fatalf("send: missing message_id in %v", out)
	}

	resp, out = doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/receive", nil, recipientTok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("receive: status %d, body %v", resp.StatusCode, out)
	}
	messages, _ := out["messages"].([]interface{})
	if len(messages) != 1 {
		t.Fatalf("expected exactly one queued message, got %v", messages)
	}
	first, _ := messages[0].(map[string]interface{})
	if first["id"] != msgID {
		t.Fatalf("unexpected message id: %v", first)
	}
	for k := range first {
		if k == "sender" || k == "sender_id" || k == "account_id" {
			t.Fatalf("envelope leaked a sender-identifying field: %v", first)
		}
	}

	resp, out = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/messages/"+msgID, nil, recipientTok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d, body %v", resp.StatusCode, out)
	}

	resp, out = doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/receive", nil, recipientTok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("receive after delete: status %d, body %v", resp.StatusCode, out)
	}
	messages, _ = out["messages"].([]interface{})
	if len(messages) != 0 {
		t.Fatalf("expected an empty queue after delete, got %v", messages)
	}
}

func TestMissingAuthorizationHeaderRejected(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	resp, out := doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/receive", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (%v)", resp.StatusCode, out)
	}
	if out["error"] != codeUnauthorized {
		t.Errorf("expected %q, got %v", codeUnauthorized, out["error"])
	}
}

func TestMissingFieldsRejected(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	resp, out := doJSON(t, http.MethodPost, ts.URL+"/api/v1/accounts/register", map[string]interface{}{}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%v)", resp.StatusCode, out)
	}
	if out["error"] != codeMissingFields {
		t.Errorf("expected %q, got %v", codeMissingFields, out["error"])
	}
}

func TestDoubleRegistrationRejected(t *testing.T) {
	ts, pub, priv := newTestServer(t)
	defer ts.Close()

	register(t, ts.URL, pub, priv)

	signedPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signed prekey: %v", err)
	}
	sig := ed25519.Sign(priv, signedPub)
	resp, out := doJSON(t, http.MethodPost, ts.URL+"/api/v1/accounts/register", map[string]interface{}{
		"public_key":      hex.EncodeToString(pub),
		"registration_id": 1,
		"signed_prekey": map[string]interface{}{
			"key_id":     1,
			"public_key": hex.EncodeToString(signedPub),
			"signature":  hex.EncodeToString(sig),
		},
	}, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d (%v)", resp.StatusCode, out)
	}
	if out["error"] != codeAlreadyRegistered {
		t.Errorf("expected %q, got %v", codeAlreadyRegistered, out["error"])
	}
}

func TestUnmatchedRouteReportsNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	resp, out := doJSON(t, http.MethodGet, ts.URL+"/api/v1/does-not-exist", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%v)", resp.StatusCode, out)
	}
	if out["error"] != codeNotFound {
		t.Errorf("expected %q, got %v", codeNotFound, out["error"])
	}
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	ts, _, _ := newTestServer(t)
	defer ts.Close()

	resp, out := doJSON(t, http.MethodGet, ts.URL+"/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d, body %v", resp.StatusCode, out)
	}
	if out["status"] != "ok" {
		t.Errorf("expected status ok, got %v", out)
	}
}
