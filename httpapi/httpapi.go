// Package httpapi wires the auth gate, key service, message relay and
// notification fabric behind a versioned HTTP contract, using a
// mux.NewRouter().SkipClean(true) router with withCORS/limited/authed
// closures and gorilla/handlers CORS in front of it.
package httpapi

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/veilmsg/relay/auth"
	"github.com/veilmsg/relay/ephemeral"
	"github.com/veilmsg/relay/keys"
	"github.com/veilmsg/relay/ratelimit"
	"github.com/veilmsg/relay/relay"
	"github.com/veilmsg/relay/storage"
	"github.com/veilmsg/relay/wsfabric"
)

// MaxRequestBody caps a request body so no unbounded client input is
// accepted.
const MaxRequestBody = 512 * 1024

// Config carries the CORS allow-lists (handlers.CORS options), left empty
// to disable CORS entirely.
type Config struct {
	AllowedOrigins []string
	AllowedHeaders []string
}

// Server holds every dependency an HTTP handler needs. Exported only via
// Router(); no handler method is itself exported.
type Server struct {
	gate      *auth.Gate
	keys      *keys.Service
	relay     *relay.Service
	limiter   *ratelimit.Limiter
	sockets   *wsfabric.Registry
	storage   storage.Storage
	ephemeral ephemeral.Store
	logger    logrus.FieldLogger
	version   string
	cfg       Config
}

// New constructs a Server. sockets may be nil, in which case /ws responds
// 404 — useful for tests that exercise only the REST surface.
func New(gate *auth.Gate, keySvc *keys.Service, relaySvc *relay.Service, limiter *ratelimit.Limiter, sockets *wsfabric.Registry, store storage.Storage, eph ephemeral.Store, logger logrus.FieldLogger, version string, cfg Config) *Server {
	return &Server{
		gate:      gate,
		keys:      keySvc,
		relay:     relaySvc,
		limiter:   limiter,
		sockets:   sockets,
		storage:   store,
		ephemeral: eph,
		logger:    logger,
		version:   version,
		cfg:       cfg,
	}
}

// Router builds the complete mux.Router: the versioned REST surface under
// /api/v1, plus unversioned health and websocket endpoints.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter().SkipClean(true)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, notFoundSentinel{})
	})

	withCORS := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if len(s.cfg.AllowedOrigins) > 0 {
			cors := handlers.CORS(
				handlers.AllowedOrigins(s.cfg.AllowedOrigins),
				handlers.AllowedHeaders(s.cfg.AllowedHeaders),
				handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE"}),
			)
			handler = cors(handler)
		}
		return handler
	}

	limited := func(h http.HandlerFunc) http.Handler {
		return withCORS(s.rateLimited(h))
	}
	authed := func(h http.HandlerFunc) http.Handler {
		return withCORS(s.withAuth(s.rateLimited(h)))
	}

	r.Handle("/health", withCORS(s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/healthz", withCORS(s.handleHealth)).Methods(http.MethodGet)
	r.Handle("/readyz", withCORS(s.handleReady)).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/accounts/register", limited(s.handleRegister)).Methods(http.MethodPost)
	api.Handle("/accounts/challenge", limited(s.handleChallenge)).Methods(http.MethodPost)
	api.Handle("/accounts/verify", limited(s.handleVerify)).Methods(http.MethodPost)
	api.Handle("/auth/revoke", authed(s.handleRevoke)).Methods(http.MethodPost)
	api.Handle("/keys/prekeys", authed(s.handleReplenishPreKeys)).Methods(http.MethodPut)
	api.Handle("/keys/signed", authed(s.handleRotateSignedPreKey)).Methods(http.MethodPut)
	api.Handle("/keys/{account_id}", authed(s.handleFetchBundle)).Methods(http.MethodGet)
	api.Handle("/messages/send", authed(s.handleSend)).Methods(http.MethodPost)
	api.Handle("/messages/receive", authed(s.handleReceive)).Methods(http.MethodGet)
	api.Handle("/messages/{id}", authed(s.handleDelete)).Methods(http.MethodDelete)

	if s.sockets != nil {
		r.Handle("/ws", s.sockets).Methods(http.MethodGet)
	}

	return r
}

// notFoundSentinel is reported when no route matched; it classifies to
// not_found (404). Missing accounts and messages are reported through the
// typed domain errors instead.
type notFoundSentinel struct{}

func (notFoundSentinel) Error() string { return "not_found" }
func (notFoundSentinel) Code() string  { return codeNotFound }

func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.CredentialHash(bearerOrAnonymous(r))
		ok, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if !ok {
			writeJSON(w, http.StatusTooManyRequests, newAPIError(codeRateLimitExceeded))
			return
		}
		next(w, r)
	}
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	mw := s.gate.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		s.writeError(w, err)
	})
	return func(w http.ResponseWriter, r *http.Request) {
		mw(next).ServeHTTP(w, r)
	}
}

func bearerOrAnonymous(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ratelimit.AnonymousCredential
}
