package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentsea/nebulous/pkg/config"
	"github.com/agentsea/nebulous/pkg/events"
	"github.com/agentsea/nebulous/pkg/log"
	"github.com/agentsea/nebulous/pkg/platform"
	"github.com/agentsea/nebulous/pkg/scheduler"
	"github.com/agentsea/nebulous/pkg/security"
	"github.com/agentsea/nebulous/pkg/storage"
	"github.com/agentsea/nebulous/pkg/types"
)

// Server exposes the control plane over HTTP/JSON. Every route under /v1
// requires a bearer key: the root key acts for the configured root owner,
// agent keys act for the owner of the container they were minted for.
type Server struct {
	store     storage.Store
	vault     *security.Vault
	registry  *platform.Registry
	scheduler *scheduler.Scheduler
	events    *events.Broker
	cfg       config.ServerConfig

	httpServer *http.Server
}

// NewServer wires the API over the shared control-plane services.
func NewServer(store storage.Store, vault *security.Vault, registry *platform.Registry, sched *scheduler.Scheduler, broker *events.Broker, cfg config.ServerConfig) *Server {
	return &Server{
		store:     store,
		vault:     vault,
		registry:  registry,
		scheduler: sched,
		events:    broker,
		cfg:       cfg,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/containers", s.auth(s.createContainer))
	mux.HandleFunc("GET /v1/containers", s.auth(s.listContainers))
	mux.HandleFunc("GET /v1/containers/{namespace}/{name}", s.auth(s.getContainer))
	mux.HandleFunc("DELETE /v1/containers/{namespace}/{name}", s.auth(s.deleteContainer))
	mux.HandleFunc("GET /v1/containers/{namespace}/{name}/logs", s.auth(s.containerLogs))
	mux.HandleFunc("POST /v1/containers/{namespace}/{name}/exec", s.auth(s.containerExec))

	mux.HandleFunc("POST /v1/secrets", s.auth(s.createSecret))
	mux.HandleFunc("GET /v1/secrets/{namespace}/{name}", s.auth(s.getSecret))
	mux.HandleFunc("DELETE /v1/secrets/{namespace}/{name}", s.auth(s.deleteSecret))

	mux.HandleFunc("POST /v1/users/me", s.auth(s.me))

	registerHealthRoutes(mux)
	return withObservability(mux)
}

// Start serves until Stop or a listener error.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// createContainer declares a container; provisioning happens asynchronously
// in the reconcile loop, so the response carries status defined.
func (s *Server) createContainer(w http.ResponseWriter, r *http.Request, ident identity) {
	if ident.containerID != "" {
		writeError(w, http.StatusForbidden, "agent keys cannot create containers")
		return
	}

	var req types.ContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	adapter, err := s.scheduler.SelectPlatform(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner := ident.profile.Email
	if req.Metadata.OwnerRef != "" {
		if !ident.actsFor(req.Metadata.OwnerRef) {
			writeError(w, http.StatusForbidden, fmt.Sprintf("not a member of %q", req.Metadata.OwnerRef))
			return
		}
		owner = req.Metadata.OwnerRef
	}

	namespace := req.Metadata.Namespace
	container, err := adapter.Declare(r.Context(), &req, owner, namespace, ident.profile.Email)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, container)
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request, ident identity) {
	containers, err := s.store.ListContainersByOwners(ident.owners())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if containers == nil {
		containers = []*types.Container{}
	}
	writeJSON(w, http.StatusOK, map[string][]*types.Container{"containers": containers})
}

func (s *Server) getContainer(w http.ResponseWriter, r *http.Request, ident identity) {
	c, ok := s.loadContainer(w, r, ident)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// deleteContainer tears down the external resource, the record, and its
// side resources through the container's adapter.
func (s *Server) deleteContainer(w http.ResponseWriter, r *http.Request, ident identity) {
	c, ok := s.loadContainer(w, r, ident)
	if !ok {
		return
	}

	adapter, err := s.registry.Get(c.Platform)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := adapter.Delete(r.Context(), c.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) containerLogs(w http.ResponseWriter, r *http.Request, ident identity) {
	c, ok := s.loadContainer(w, r, ident)
	if !ok {
		return
	}

	adapter, err := s.registry.Get(c.Platform)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logs, err := adapter.Logs(r.Context(), c.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) containerExec(w http.ResponseWriter, r *http.Request, ident identity) {
	c, ok := s.loadContainer(w, r, ident)
	if !ok {
		return
	}

	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	adapter, err := s.registry.Get(c.Platform)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	output, err := adapter.Exec(r.Context(), c.ID, req.Command)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": output})
}

// loadContainer resolves the path's container within the caller's owner
// scope. Agent keys are further restricted to the container they were
// minted for.
func (s *Server) loadContainer(w http.ResponseWriter, r *http.Request, ident identity) (*types.Container, bool) {
	namespace, name := r.PathValue("namespace"), r.PathValue("name")

	c, err := s.store.GetContainerByFullName(namespace, name, ident.owners())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("container %s/%s not found", namespace, name))
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if ident.containerID != "" && ident.containerID != c.ID {
		writeError(w, http.StatusForbidden, "agent keys are scoped to their own container")
		return nil, false
	}
	return c, true
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request, ident identity) {
	if ident.containerID != "" {
		writeError(w, http.StatusForbidden, "agent keys cannot write secrets")
		return
	}

	var req types.SecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	secret, err := s.vault.CreateSecret(req.Metadata.Namespace, req.Metadata.Name, ident.profile.Email, ident.profile.Email, []byte(req.Value))
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.events != nil {
		s.events.Publish(events.ContainerEvent(events.EventSecretCreated, secret.ID, secret.FullName))
	}
	writeJSON(w, http.StatusCreated, secretView(secret, nil))
}

func (s *Server) getSecret(w http.ResponseWriter, r *http.Request, ident identity) {
	secret, ok := s.loadSecret(w, r, ident)
	if !ok {
		return
	}
	value, err := s.vault.Reveal(secret)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, secretView(secret, value))
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request, ident identity) {
	if ident.containerID != "" {
		writeError(w, http.StatusForbidden, "agent keys cannot write secrets")
		return
	}
	secret, ok := s.loadSecret(w, r, ident)
	if !ok {
		return
	}
	if err := s.store.DeleteSecret(secret.ID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.events != nil {
		s.events.Publish(events.ContainerEvent(events.EventSecretDeleted, secret.ID, secret.FullName))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) loadSecret(w http.ResponseWriter, r *http.Request, ident identity) (*types.Secret, bool) {
	namespace, name := r.PathValue("namespace"), r.PathValue("name")

	secret, err := s.store.GetSecretByFullName(namespace, name)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("secret %s/%s not found", namespace, name))
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if !ident.actsFor(secret.Owner) {
		// Do not confirm existence to callers outside the owner set.
		writeError(w, http.StatusNotFound, fmt.Sprintf("secret %s/%s not found", namespace, name))
		return nil, false
	}
	return secret, true
}

func (s *Server) me(w http.ResponseWriter, r *http.Request, ident identity) {
	writeJSON(w, http.StatusOK, ident.profile)
}

// secretView is the decrypted response shape; value is omitted on create.
func secretView(secret *types.Secret, value []byte) *types.SecretResponse {
	return &types.SecretResponse{
		ID:        secret.ID,
		Name:      secret.Name,
		Namespace: secret.Namespace,
		Value:     string(value),
		CreatedAt: secret.CreatedAt,
		UpdatedAt: secret.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
