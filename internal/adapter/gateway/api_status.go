package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"livebus/internal/domain"
)

// maxRequestBody bounds HTTP request bodies.
const maxRequestBody = 1 << 20

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	UptimeSeconds int64       `json:"uptime_seconds"`
	Connections   int         `json:"connections"`
	Subscribers   int         `json:"subscribers"`
	Sessions      int         `json:"sessions"`
	Store         StoreStatus `json:"store"`
	Version       string      `json:"worker_version,omitempty"`
}

// StoreStatus reports the notification store health.
type StoreStatus struct {
	MaxID   int64  `json:"max_id"`
	Breaker string `json:"breaker,omitempty"`
	Error   string `json:"error,omitempty"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

type breakerState interface {
	State() gobreaker.State
}

type sessionCounter interface {
	Len() int
}

// storeHealthy reports an error when the store cannot serve reads.
func (s *Server) storeHealthy(ctx context.Context) error {
	if b, ok := s.deps.Store.(breakerState); ok && b.State() == gobreaker.StateOpen {
		return domain.ErrStoreUnavailable
	}
	if p, ok := s.deps.Store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return domain.WrapOp("ping", err)
		}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	if err := s.storeHealthy(r.Context()); err != nil {
		s.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "fail"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pass"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Connections:   s.registry.Len(),
		Version:       s.cfg.Gateway.WorkerVersion,
	}
	if s.deps.Dispatcher != nil {
		resp.Subscribers = s.deps.Dispatcher.Subscribers()
	}
	if c, ok := s.deps.Sessions.(sessionCounter); ok {
		resp.Sessions = c.Len()
	}
	if b, ok := s.deps.Store.(breakerState); ok {
		resp.Store.Breaker = b.State().String()
	}
	maxID, err := s.deps.Store.MaxID(r.Context())
	if err != nil {
		resp.Store.Error = err.Error()
	}
	resp.Store.MaxID = maxID
	writeJSON(w, http.StatusOK, resp)
}

type peekResponse struct {
	Channels      []string              `json:"channels"`
	Notifications []domain.Notification `json:"notifications"`
}

// handlePeek is the HTTP poll fallback for clients without websockets.
func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Gateway.RequestTimeout)
	defer cancel()

	sess, created, err := s.resolveSession(ctx, r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if created {
		http.SetCookie(w, sessionCookie(sess))
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	var req peekRequest
	if err := decode("peek", s.validator.peek, raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp := peekResponse{Channels: dedupe(req.Channels), Notifications: []domain.Notification{}}
	err = s.deps.Retry.Do(ctx, "peek", func(ctx context.Context) error {
		last, err := s.clampLast(ctx, req.Last)
		if err != nil {
			return err
		}
		keys := make([]domain.ChannelKey, len(resp.Channels))
		for i, c := range resp.Channels {
			keys[i] = domain.NewChannelKey(sess.Tenant, c)
		}
		notes, err := s.deps.Store.Poll(ctx, keys, last)
		if err != nil {
			return err
		}
		if notes != nil {
			resp.Notifications = notes
		}
		return nil
	})
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	s.deps.Sessions.Touch(ctx, sess.ID)
	writeJSON(w, http.StatusOK, resp)
}

// handleNotify enqueues a batch of notifications in one transaction.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	var req notifyRequest
	if err := decode("notify", s.validator.notify, raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	notes := make([]domain.Outgoing, len(req.Notifications))
	for i, n := range req.Notifications {
		payload := n.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		notes[i] = domain.Outgoing{
			Channel: domain.NewChannelKey(n.Tenant, n.Channel),
			Type:    n.Type,
			Payload: payload,
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Gateway.RequestTimeout)
	defer cancel()
	err = s.deps.Retry.Do(ctx, "notify", func(ctx context.Context) error {
		return s.deps.Store.EnqueueAll(ctx, notes)
	})
	s.audit(r, "notify", "", err, map[string]string{"count": strconv.Itoa(len(notes))})
	if err != nil {
		s.logger.Error("enqueue failed", "count", len(notes), "error", err)
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": len(notes)})
}

// handleRevoke invalidates a session. Its connections are closed with
// SESSION_EXPIRED on their next delivery or request.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.deps.Sessions.Revoke(r.Context(), id)
	s.audit(r, "revoke_session", id, err, nil)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, domain.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	s.logger.Info("session revoked", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// audit records an operator action. Audit failures are logged and never
// fail the request.
func (s *Server) audit(r *http.Request, action, resource string, err error, detail map[string]string) {
	if s.deps.Audit == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
		if detail == nil {
			detail = make(map[string]string, 1)
		}
		detail["error"] = err.Error()
	}
	ev := domain.AuditEvent{
		Type:     domain.AuditAdminAction,
		Actor:    "admin@" + clientHost(r),
		Resource: resource,
		Action:   action,
		Outcome:  outcome,
		Detail:   detail,
	}
	if aerr := s.deps.Audit.Log(r.Context(), ev); aerr != nil {
		s.logger.Warn("audit log failed", "action", action, "error", aerr)
	}
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func dedupe(channels []string) []string {
	out := make([]string, 0, len(channels))
	seen := make(map[string]bool, len(channels))
	for _, c := range channels {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
