package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/metrics"
	"github.com/agentsea/nebulous/pkg/types"
)

// identity is the authenticated principal behind a request. containerID is
// set only for agent keys, which act for their container's owner but are
// restricted to that container.
type identity struct {
	profile     *types.UserProfile
	containerID string
}

// owners returns the principals the identity may act for.
func (i identity) owners() []string {
	return i.profile.Owners()
}

// actsFor reports whether owner is in the identity's owner set.
func (i identity) actsFor(owner string) bool {
	for _, o := range i.owners() {
		if o == owner {
			return true
		}
	}
	return false
}

type authedHandler func(w http.ResponseWriter, r *http.Request, ident identity)

// auth resolves the bearer key: the root key first, then the minted agent
// keys. Unknown keys get 401 without distinguishing the two classes.
func (s *Server) auth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := bearerToken(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		if s.cfg.RootAPIKey != "" &&
			subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.RootAPIKey)) == 1 {
			next(w, r, identity{profile: &types.UserProfile{
				Email:  s.cfg.RootOwner,
				Handle: "root",
			}})
			return
		}

		containerID, owner, err := s.vault.FindAgentKey(key)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r, identity{
			profile:     &types.UserProfile{Email: owner},
			containerID: containerID,
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// statusRecorder captures the response code for metrics and access logs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withObservability wraps the mux with request metrics and debug-level
// access logging.
func withObservability(next http.Handler) http.Handler {
	logger := log.WithComponent("api")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(recorder.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", timer.Duration()).
			Msg("request")
	})
}
