// Package gateway exposes the bus over HTTP: the websocket upgrade endpoint
// with its per-connection serve loop, the HTTP poll fallback and the
// operator API.
package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"livebus/internal/adapter/wsproto"
	"livebus/internal/domain"
	"livebus/internal/infra/config"
	"livebus/internal/infra/logger"
	"livebus/internal/infra/metrics"
	"livebus/internal/infra/middleware"
	"livebus/internal/infra/retry"
	"livebus/internal/infra/tracer"
	"livebus/internal/usecase/dispatch"
)

// SessionStore resolves, creates and revokes sessions.
type SessionStore interface {
	domain.SessionStore
	Create(ctx context.Context, tenant string, userID int64, sctx map[string]any) (*domain.Session, error)
	Touch(ctx context.Context, id string)
	Revoke(ctx context.Context, id string) error
}

// Deps holds the collaborators of the gateway.
type Deps struct {
	Store    domain.NotificationStore
	Sessions SessionStore
	// Dispatcher is nil when the dispatcher is disabled; the upgrade endpoint
	// then answers 503.
	Dispatcher *dispatch.Dispatcher
	Presence   PresenceTracker // can be nil
	Auth       Authenticator   // can be nil (cookie sessions only)
	Hooks      *Hooks          // can be nil
	Retry      *retry.Runner
	Metrics    *metrics.Metrics   // can be nil
	Audit      domain.AuditLogger // can be nil
	Logger     *slog.Logger
}

// Server is the websocket gateway.
type Server struct {
	cfg       *config.Config
	deps      Deps
	wsConfig  wsproto.Config
	registry  *Registry
	validator *validator
	admission *middleware.Admission
	logger    *slog.Logger
	started   time.Time

	// ctx outlives individual requests; it is cancelled by Stop once every
	// serve loop has returned.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string

	serving  sync.WaitGroup
	stopping atomic.Bool
	stopped  chan struct{} // closed once the first Stop has drained
	stopErr  error
}

// NewServer creates a gateway.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Retry == nil {
		deps.Retry = retry.New(cfg.Retry, deps.Logger)
	}
	log := logger.Component(deps.Logger, "gateway")
	if deps.Hooks == nil {
		deps.Hooks = NewHooks(deps.Retry, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		deps:      deps,
		registry:  NewRegistry(),
		validator: v,
		logger:    log,
		started:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		stopped:   make(chan struct{}),
		wsConfig: wsproto.Config{
			MaxMessageSize:    cfg.Websocket.MaxMessageSize,
			KeepAliveTimeout:  cfg.Websocket.KeepAliveTimeout,
			InactivityTimeout: cfg.Websocket.InactivityTimeout,
			KeepAliveJitter:   cfg.Websocket.KeepAliveJitter,
			RateLimitBurst:    cfg.Websocket.RateLimitBurst,
			RateLimitDelay:    cfg.Websocket.RateLimitDelay,
		},
	}
	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		s.admission = middleware.NewAdmission(ctx, middleware.AdmissionConfig{
			RequestsPerMin: rl.RequestsPerMinute,
			BurstSize:      rl.Burst,
			TrustedProxies: rl.TrustedProxies,
		})
	}
	return s, nil
}

// Registry returns the live connection registry.
func (s *Server) Registry() *Registry { return s.registry }

// Hooks returns the lifecycle observer list.
func (s *Server) Hooks() *Hooks { return s.deps.Hooks }

// Handler returns the HTTP handler serving every gateway route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /websocket", s.handleUpgrade)
	mux.HandleFunc("GET /websocket/health", s.handleHealth)
	mux.HandleFunc("POST /websocket/peek_notifications", s.handlePeek)
	mux.Handle("GET /api/v1/status", s.requireAdmin(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /api/v1/notify", s.requireAdmin(http.HandlerFunc(s.handleNotify)))
	mux.Handle("DELETE /api/v1/sessions/{id}", s.requireAdmin(http.HandlerFunc(s.handleRevoke)))
	if s.cfg.Metrics.Enabled && s.deps.Metrics != nil {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.deps.Metrics.Handler())
	}

	var h http.Handler = mux
	if s.admission != nil {
		h = s.admission.Middleware(h)
	}
	h = middleware.SecurityHeaders(h)
	return middleware.Recover(s.logger)(h)
}

// Start listens on the configured address and serves until ctx is cancelled
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Gateway.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.Stop(stopCtx)
		case <-s.ctx.Done():
		}
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// BoundAddr returns the address the server listens on. Only valid after
// Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop asks every live connection to go away, stops accepting requests and
// waits for the serve loops to finish. Connections still open when ctx
// expires are dropped. Concurrent and later calls wait for the first one to
// finish and return its result, or ctx.Err() if their own ctx ends first.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopping.CompareAndSwap(false, true) {
		s.stopErr = s.drain(ctx)
		close(s.stopped)
		return s.stopErr
	}
	select {
	case <-s.stopped:
		return s.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) drain(ctx context.Context) error {
	kicked := s.registry.KickAll()
	s.logger.Info("gateway stopping", "connections", kicked)

	var err error
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("connections did not close in time, dropping them", "remaining", s.registry.Len())
		s.registry.AbortAll()
		<-done
	}
	s.cancel()
	return err
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.serving.Add(1)
	defer s.serving.Done()
	if s.stopping.Load() || s.deps.Dispatcher == nil {
		s.rejected(http.StatusServiceUnavailable)
		writeError(w, http.StatusServiceUnavailable, domain.NewDomainError("upgrade", domain.ErrDisabled, "websocket unavailable"))
		return
	}
	accept, err := ValidateHandshake(r)
	if err != nil {
		var he *HandshakeError
		errors.As(err, &he)
		s.rejected(he.Status)
		s.logger.Debug("handshake rejected", "status", he.Status, "reason", he.Reason)
		writeHandshakeError(w, he)
		return
	}
	sess, created, err := s.resolveSession(r.Context(), r)
	if err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, domain.ErrAuthInvalid) {
			status = http.StatusInternalServerError
		}
		s.rejected(status)
		writeError(w, status, err)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("connection does not support hijacking"))
		return
	}
	nc, brw, err := hj.Hijack()
	if err != nil {
		s.logger.Warn("hijack failed", "error", err)
		return
	}
	// Deadlines the HTTP server set no longer apply once the socket is ours.
	_ = nc.SetDeadline(time.Time{})

	if err := writeSwitchingProtocols(brw.Writer, accept, sess, created); err != nil {
		s.logger.Debug("writing 101 failed", "error", err)
		_ = nc.Close()
		return
	}

	s.serve(nc, brw.Reader, sess, r.URL.Query().Get("version"))
}

// writeSwitchingProtocols writes and flushes the 101 response. The serve
// loop starts only after it returns.
func writeSwitchingProtocols(w *bufio.Writer, accept string, sess *domain.Session, created bool) error {
	_, _ = w.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + accept + "\r\n")
	if created {
		_, _ = w.WriteString("Set-Cookie: " + sessionCookie(sess).String() + "\r\n")
	}
	_, _ = w.WriteString("\r\n")
	return w.Flush()
}

// serve runs the serve loop of one connection on the calling goroutine.
func (s *Server) serve(nc net.Conn, br *bufio.Reader, sess *domain.Session, version string) {
	opts := []wsproto.Option{wsproto.WithLogger(s.logger), wsproto.WithSession(sess)}
	if s.deps.Metrics != nil {
		opts = append(opts, wsproto.WithObserver(frameObserver{s.deps.Metrics}))
		s.deps.Metrics.ConnOpened()
	}
	conn := wsproto.NewConn(nc, br, s.wsConfig, opts...)
	log := s.logger.With("conn_id", conn.ID(), "session_id", sess.ID)

	s.registry.add(conn)
	conn.OnTerminate(func(c *wsproto.Conn) {
		s.registry.remove(c)
		s.deps.Dispatcher.Unsubscribe(subscriber{c})
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Gateway.RequestTimeout)
		defer cancel()
		s.deps.Hooks.Notify(ctx, HookClose, sess, c)
		log.Debug("websocket closed", "code", int(c.CloseCode()))
	})
	if s.stopping.Load() {
		_ = conn.Close(wsproto.CloseGoingAway, "")
	}

	log.Debug("websocket opened", "remote", nc.RemoteAddr().String())
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Gateway.RequestTimeout)
	s.deps.Hooks.Notify(ctx, HookOpen, sess, conn)
	cancel()

	if want := s.cfg.Gateway.WorkerVersion; want != "" && version != "" && version != want {
		log.Info("closing outdated client", "version", version, "want", want)
		_ = conn.Close(wsproto.CloseClean, "OUTDATED_VERSION")
	}

	for msg := range conn.Messages() {
		s.handleMessage(conn, msg, log)
	}
}

// handleMessage runs one client message as its own unit of work. A panic
// while serving it is logged like any other failure and the loop moves on.
func (s *Server) handleMessage(conn *wsproto.Conn, msg wsproto.Message, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Gateway.RequestTimeout)
	defer cancel()
	ctx, span := tracer.StartSpan(ctx, "ws.message")
	span.SetAttributes(tracer.ConnAttrs(conn.ID(), conn.SessionID())...)

	err := s.deps.Retry.Do(ctx, "ws.message", func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return s.serveMessage(ctx, conn, msg.Data)
	})
	tracer.End(span, err)

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrSessionExpired):
		log.Debug("session expired, closing")
		_ = conn.Close(wsproto.CloseSessionExpired, "")
	case errors.Is(err, domain.ErrStoreUnavailable):
		log.Info("store unavailable, asking client to retry later", "error", err)
		_ = conn.Close(wsproto.CloseTryLater, "")
	case errors.Is(err, domain.ErrInvalidRequest):
		log.Warn("invalid websocket request", "error", err)
	default:
		log.Error("websocket request failed", "error", err)
	}
}

func (s *Server) serveMessage(ctx context.Context, conn *wsproto.Conn, raw []byte) error {
	ev, err := s.validator.event(raw)
	if err != nil {
		return err
	}
	sess, err := s.liveSession(ctx, conn.SessionID())
	if err != nil {
		return err
	}

	switch ev.Name {
	case EventSubscribe:
		var data subscribeData
		if err := decodeData(ev.Data, &data); err != nil {
			return err
		}
		last, err := s.clampLast(ctx, data.Last)
		if err != nil {
			return err
		}
		return s.deps.Dispatcher.Subscribe(ctx, data.Channels, last, sess.Tenant, subscriber{conn})
	case EventUpdatePresence, EventUpdatePresenceAlt:
		if s.deps.Presence == nil {
			return nil
		}
		var data presenceData
		if err := decodeData(ev.Data, &data); err != nil {
			return err
		}
		return s.deps.Presence.Update(ctx, sess, data.inactivity())
	}
	return domain.NewDomainError("serveMessage", domain.ErrInvalidRequest, "unknown event "+ev.Name)
}

// liveSession resolves id and checks it is still valid, touching it.
func (s *Server) liveSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.deps.Sessions.Resolve(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, domain.ErrSessionExpired
	}
	if err != nil {
		return nil, err
	}
	if !s.deps.Sessions.IsValid(ctx, sess) {
		return nil, domain.ErrSessionExpired
	}
	s.deps.Sessions.Touch(ctx, sess.ID)
	return sess, nil
}

// clampLast drops a last-seen id above the highest id ever assigned.
func (s *Server) clampLast(ctx context.Context, last int64) (int64, error) {
	if last <= 0 {
		return 0, nil
	}
	maxID, err := s.deps.Store.MaxID(ctx)
	if err != nil {
		return 0, err
	}
	if last > maxID {
		return 0, nil
	}
	return last, nil
}

func (s *Server) rejected(status int) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.HandshakeRejected(status)
	}
}

// subscriber adapts a connection to the dispatcher.
type subscriber struct{ *wsproto.Conn }

func (s subscriber) Expire() error { return s.Close(wsproto.CloseSessionExpired, "") }

// frameObserver feeds connection events into the metrics.
type frameObserver struct{ m *metrics.Metrics }

func (o frameObserver) FrameReceived(op wsproto.Opcode) { o.m.FrameReceived(op.String()) }
func (o frameObserver) FrameSent(op wsproto.Opcode)     { o.m.FrameSent(op.String()) }
func (o frameObserver) Closed(code wsproto.CloseCode)   { o.m.ConnClosed(int(code)) }
