package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/veilmsg/relay/auth"
	"github.com/veilmsg/relay/keys"
	"github.com/veilmsg/relay/relay"
	"github.com/veilmsg/relay/storage"

	"github.com/gorilla/mux"
)

// decodeBody wraps the usual json.NewDecoder(r.Body).Decode pattern, capped
// at MaxRequestBody to bound untrusted client input.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return auth.ErrMissingFields
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// handleReady performs a lightweight round trip against both stores,
// failing readiness if either is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.storage.GarbageCollect(ctx, time.Unix(0, 0)); err != nil {
		s.writeError(w, err)
		return
	}
	probeKey := "readyz:" + uuid.NewString()
	if err := s.ephemeral.Set(ctx, probeKey, []byte("1"), time.Second); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.ephemeral.GetAndDelete(ctx, probeKey); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

type registerRequest struct {
	PublicKey      string `json:"public_key"`
	RegistrationID uint32 `json:"registration_id"`
	SignedPreKey   struct {
		KeyID     uint32 `json:"key_id"`
		PublicKey string `json:"public_key"`
		Signature string `json:"signature"`
	} `json:"signed_prekey"`
	OneTimePreKeys []struct {
		KeyID     uint32 `json:"key_id"`
		PublicKey string `json:"public_key"`
	} `json:"one_time_prekeys"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	oneTime := make([]auth.OneTimePreKeyInput, len(req.OneTimePreKeys))
	for i, k := range req.OneTimePreKeys {
		oneTime[i] = auth.OneTimePreKeyInput{KeyID: k.KeyID, PublicKey: k.PublicKey}
	}

	accountID, err := s.gate.Register(r.Context(), req.PublicKey, req.RegistrationID, auth.SignedPreKeyInput{
		KeyID:     req.SignedPreKey.KeyID,
		PublicKey: req.SignedPreKey.PublicKey,
		Signature: req.SignedPreKey.Signature,
	}, oneTime)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"account_id": accountID.String()})
}

type challengeRequest struct {
	PublicKey string `json:"public_key"`
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.PublicKey == "" {
		s.writeError(w, auth.ErrMissingFields)
		return
	}
	nonce, err := s.gate.Challenge(r.Context(), req.PublicKey)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"nonce": nonce})
}

type verifyRequest struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.PublicKey == "" || req.Signature == "" {
		s.writeError(w, auth.ErrInvalidOrExpiredChallenge)
		return
	}
	tok, accountID, err := s.gate.Verify(r.Context(), req.PublicKey, req.Signature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok.Raw, "account_id": accountID.String()})
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	bearer := bearerToken(r)
	if err := s.gate.Revoke(r.Context(), bearer); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) {
		return h[len(prefix):]
	}
	return ""
}

type bundleResponse struct {
	IdentityPublicKey string               `json:"identity_public_key"`
	RegistrationID    uint32               `json:"registration_id"`
	SignedPreKey      signedPreKeyResponse `json:"signed_prekey"`
	OneTimePreKey     *oneTimePreKeyResp   `json:"one_time_prekey"`
}

type signedPreKeyResponse struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type oneTimePreKeyResp struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
}

func (s *Server) handleFetchBundle(w http.ResponseWriter, r *http.Request) {
	targetID, err := uuid.Parse(mux.Vars(r)["account_id"])
	if err != nil {
		s.writeError(w, keys.ErrAccountNotFound)
		return
	}
	bundle, err := s.keys.FetchBundle(r.Context(), targetID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := struct {
		Bundle              bundleResponse `json:"bundle"`
		PreKeyCount          int            `json:"prekey_count"`
		NeedsPreKeyRefresh   bool           `json:"needs_prekey_refresh"`
	}{
		Bundle: bundleResponse{
			IdentityPublicKey: hexEncode(bundle.IdentityPublicKey[:]),
			RegistrationID:    bundle.RegistrationID,
			SignedPreKey: signedPreKeyResponse{
				KeyID:     bundle.SignedPreKey.KeyID,
				PublicKey: hexEncode(bundle.SignedPreKey.PublicKey[:]),
				Signature: hexEncode(bundle.SignedPreKey.Signature[:]),
			},
		},
		PreKeyCount:        bundle.RemainingCount,
		NeedsPreKeyRefresh: bundle.NeedsRefresh,
	}
	if bundle.OneTimePreKey != nil {
		resp.Bundle.OneTimePreKey = &oneTimePreKeyResp{
			KeyID:     bundle.OneTimePreKey.KeyID,
			PublicKey: hexEncode(bundle.OneTimePreKey.PublicKey[:]),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type replenishRequest struct {
	OneTimePreKeys []struct {
		KeyID     uint32 `json:"key_id"`
		PublicKey string `json:"public_key"`
	} `json:"one_time_prekeys"`
}

func (s *Server) handleReplenishPreKeys(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	var req replenishRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	batch := make([]keys.ReplenishInput, len(req.OneTimePreKeys))
	for i, k := range req.OneTimePreKeys {
		batch[i] = keys.ReplenishInput{KeyID: k.KeyID, PublicKey: k.PublicKey}
	}
	uploaded, total, err := s.keys.Replenish(r.Context(), accountID, batch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"uploaded": uploaded, "total": total})
}

type rotateSignedPreKeyRequest struct {
	KeyID     uint32 `json:"key_id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

func (s *Server) handleRotateSignedPreKey(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	var req rotateSignedPreKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.keys.Rotate(r.Context(), accountID, req.KeyID, req.PublicKey, req.Signature); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

type sendRequest struct {
	RecipientID string `json:"recipient_id"`
	Ciphertext  string `json:"ciphertext"`
	MessageType *int   `json:"message_type"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		s.writeError(w, relay.ErrRecipientNotFound)
		return
	}
	tag := storage.TagInitial
	if req.MessageType != nil {
		tag = storage.ClassificationTag(*req.MessageType)
	}
	id, err := s.relay.Send(r.Context(), recipientID, req.Ciphertext, tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message_id": id})
}

type messageResponse struct {
	ID          string `json:"id"`
	Ciphertext  string `json:"ciphertext"`
	MessageType byte   `json:"message_type"`
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	envelopes, err := s.relay.Drain(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]messageResponse, len(envelopes))
	for i, e := range envelopes {
		out[i] = messageResponse{ID: e.ID, Ciphertext: e.Ciphertext, MessageType: byte(e.Tag)}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	accountID, _ := auth.AccountID(r.Context())
	id := mux.Vars(r)["id"]
	if err := s.relay.Delete(r.Context(), id, accountID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}
