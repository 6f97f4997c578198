package httpapi

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/veilmsg/relay/auth"
	"github.com/veilmsg/relay/keys"
	"github.com/veilmsg/relay/relay"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{auth.ErrMissingFields, codeMissingFields},
		{keys.ErrMissingFields, codeMissingFields},
		{relay.ErrMissingFields, codeMissingFields},
		{auth.ErrInvalidKeyLength, codeInvalidKeyLength},
		{keys.ErrInvalidKeyLength, codeInvalidKeyLength},
		{auth.ErrInvalidSignedPreKeySig, codeInvalidSignedPreKeySig},
		{auth.ErrAlreadyRegistered, codeAlreadyRegistered},
		{auth.ErrInvalidOrExpiredChallenge, codeInvalidOrExpiredChallenge},
		{auth.ErrInvalidSignature, codeInvalidSignature},
		{keys.ErrInvalidSignature, codeInvalidSignature},
		{auth.ErrUnauthorized, codeUnauthorized},
		{auth.ErrInvalidToken, codeInvalidToken},
		{keys.ErrAccountNotFound, codeAccountNotFound},
		{keys.ErrTooManyPreKeys, codeTooManyPreKeys},
		{relay.ErrRecipientNotFound, codeRecipientNotFound},
		{relay.ErrMessageNotFound, codeMessageNotFound},
		{relay.ErrMessageTooLarge, codeMessageTooLarge},
		{notFoundSentinel{}, codeNotFound},
		{errors.New("boom"), codeInternalError},
	}

	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestWriteErrorStatusAndBody(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantBody   string
	}{
		{auth.ErrUnauthorized, 401, `{"error":"unauthorized"}`},
		{relay.ErrMessageTooLarge, 413, `{"error":"message_too_large"}`},
		{auth.ErrAlreadyRegistered, 409, `{"error":"already_registered"}`},
		{errors.New("boom"), 500, `{"error":"internal_error"}`},
		{notFoundSentinel{}, 404, `{"error":"not_found"}`},
	}

	s := &Server{}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		s.writeError(w, tt.err)
		if w.Code != tt.wantStatus {
			t.Errorf("writeError(%v) status = %d, want %d", tt.err, w.Code, tt.wantStatus)
		}
		if got := w.Body.String(); got != tt.wantBody {
			t.Errorf("writeError(%v) body = %q, want %q", tt.err, got, tt.wantBody)
		}
	}
}

func TestWriteErrorNeverLeaksInternalDetail(t *testing.T) {
	s := &Server{}
	w := httptest.NewRecorder()
	s.writeError(w, errors.New("dial tcp 10.0.0.1:5432: connection refused"))
	if got := w.Body.String(); got != `{"error":"internal_error"}` {
		t.Errorf("backend detail leaked into response body: %q", got)
	}
}
