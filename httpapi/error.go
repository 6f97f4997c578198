package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/auth"
	"github.com/veilmsg/relay/keys"
	"github.com/veilmsg/relay/relay"
)

// apiError is a stable machine code serialized as the sole body field.
type apiError struct {
	Code string `json:"error"`
}

func (e *apiError) Error() string { return e.Code }

func newAPIError(code string) *apiError {
	return &apiError{Code: code}
}

const (
	codeUnauthorized               = "unauthorized"
	codeInvalidToken               = "invalid_token"
	codeMissingFields              = "missing_fields"
	codeInvalidKeyLength           = "invalid_key_length"
	codeInvalidSignedPreKeySig     = "invalid_signed_prekey_signature"
	codeInvalidOrExpiredChallenge  = "invalid_or_expired_challenge"
	codeInvalidSignature           = "invalid_signature"
	codeAccountNotFound            = "account_not_found"
	codeRecipientNotFound          = "recipient_not_found"
	codeMessageNotFound            = "message_not_found"
	codeMessageTooLarge            = "message_too_large"
	codeTooManyPreKeys             = "too_many_prekeys"
	codeAlreadyRegistered          = "already_registered"
	codeRateLimitExceeded          = "rate_limit_exceeded"
	codeNotFound                   = "not_found"
	codeInternalError              = "internal_error"
)

// coded lets sentinels outside the domain packages (e.g. an unmatched
// route) carry their own stable code without classify needing to know
// about them individually.
type coded interface {
	Code() string
}

// statusForCode maps a stable machine code to the HTTP status it reports.
// Codes absent here fall back to 500: unmatched routes report 404
// uniformly and everything else unclassified reports 500.
var statusForCode = map[string]int{
	codeUnauthorized:              http.StatusUnauthorized,
	codeInvalidToken:              http.StatusUnauthorized,
	codeMissingFields:             http.StatusBadRequest,
	codeInvalidKeyLength:          http.StatusBadRequest,
	codeInvalidSignedPreKeySig:    http.StatusBadRequest,
	codeInvalidOrExpiredChallenge: http.StatusUnauthorized,
	codeInvalidSignature:          http.StatusBadRequest,
	codeAccountNotFound:           http.StatusNotFound,
	codeRecipientNotFound:         http.StatusNotFound,
	codeMessageNotFound:           http.StatusNotFound,
	codeMessageTooLarge:           http.StatusRequestEntityTooLarge,
	codeTooManyPreKeys:            http.StatusBadRequest,
	codeAlreadyRegistered:         http.StatusConflict,
	codeRateLimitExceeded:         http.StatusTooManyRequests,
	codeNotFound:                  http.StatusNotFound,
	codeInternalError:             http.StatusInternalServerError,
}

// classify maps a domain-package sentinel error to its stable wire code,
// collapsing everything unrecognized to internal_error so no backend
// detail is ever serialized verbatim.
func classify(err error) string {
	if c, ok := err.(coded); ok {
		return c.Code()
	}
	switch {
	case errors.Is(err, auth.ErrMissingFields), errors.Is(err, keys.ErrMissingFields), errors.Is(err, relay.ErrMissingFields):
		return codeMissingFields
	case errors.Is(err, auth.ErrInvalidKeyLength), errors.Is(err, keys.ErrInvalidKeyLength):
		return codeInvalidKeyLength
	case errors.Is(err, auth.ErrInvalidSignedPreKeySig):
		return codeInvalidSignedPreKeySig
	case errors.Is(err, auth.ErrAlreadyRegistered):
		return codeAlreadyRegistered
	case errors.Is(err, auth.ErrInvalidOrExpiredChallenge):
		return codeInvalidOrExpiredChallenge
	case errors.Is(err, auth.ErrInvalidSignature), errors.Is(err, keys.ErrInvalidSignature):
		return codeInvalidSignature
	case errors.Is(err, auth.ErrUnauthorized):
		return codeUnauthorized
	case errors.Is(err, auth.ErrInvalidToken):
		return codeInvalidToken
	case errors.Is(err, keys.ErrAccountNotFound):
		return codeAccountNotFound
	case errors.Is(err, keys.ErrTooManyPreKeys):
		return codeTooManyPreKeys
	case errors.Is(err, relay.ErrRecipientNotFound):
		return codeRecipientNotFound
	case errors.Is(err, relay.ErrMessageNotFound):
		return codeMessageNotFound
	case errors.Is(err, relay.ErrMessageTooLarge):
		return codeMessageTooLarge
	default:
		return codeInternalError
	}
}

// writeError logs (without the request body, account identifier, or route
// parameters) and writes a {error:<code>} body at the status the code
// maps to.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := classify(err)
	if code == codeInternalError && s.logger != nil {
		s.logger.WithFields(logrus.Fields{"error": err.Error()}).Error("request failed")
	}
	status := statusForCode[code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, newAPIError(code))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	enc, err := json.Marshal(body)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(enc)
}
