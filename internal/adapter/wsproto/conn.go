package wsproto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"livebus/internal/domain"
)

// State is the close-handshake state of a connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	defaultDrainTimeout = time.Second
	minWait             = time.Millisecond
)

// Message is a complete data message received from the peer.
type Message struct {
	Data []byte
	Text bool
}

// Observer receives frame-level events. Implementations must be safe for
// concurrent use.
type Observer interface {
	FrameReceived(op Opcode)
	FrameSent(op Opcode)
	Closed(code CloseCode)
}

type nopObserver struct{}

func (nopObserver) FrameReceived(Opcode) {}
func (nopObserver) FrameSent(Opcode)     {}
func (nopObserver) Closed(CloseCode)     {}

// Config holds per-connection limits and timers.
type Config struct {
	MaxMessageSize    int
	KeepAliveTimeout  time.Duration
	InactivityTimeout time.Duration
	RateLimitBurst    int
	RateLimitDelay    time.Duration
	// KeepAliveJitter adds up to half of KeepAliveTimeout so that
	// connections opened together do not expire together.
	KeepAliveJitter bool
	DrainTimeout    time.Duration
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    DefaultMaxMessageSize,
		KeepAliveTimeout:  DefaultKeepAliveTimeout,
		InactivityTimeout: DefaultInactivityTimeout,
		RateLimitBurst:    DefaultRateLimitBurst,
		RateLimitDelay:    DefaultRateLimitDelay,
		KeepAliveJitter:   true,
		DrainTimeout:      defaultDrainTimeout,
	}
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithSession attaches the authenticated session.
func WithSession(s *domain.Session) Option {
	return func(c *Conn) { c.session = s }
}

// WithObserver sets the frame observer.
func WithObserver(o Observer) Option {
	return func(c *Conn) { c.observer = o }
}

// WithClock replaces time.Now for the timeout manager and rate limiter.
func WithClock(now func() time.Time) Option {
	return func(c *Conn) { c.now = now }
}

type readResult struct {
	frame Frame
	err   error
}

// Conn is one server-side WebSocket connection. A single goroutine drives it
// by calling Next (or ranging over Messages); that goroutine is the only one
// that reads or writes the socket. Send and Close are safe to call from any
// goroutine.
type Conn struct {
	id       string
	nc       net.Conn
	br       *bufio.Reader
	cfg      Config
	logger   *slog.Logger
	observer Observer
	session  *domain.Session
	now      func() time.Time

	timeouts *TimeoutManager
	limiter  *RateLimiter
	queue    *outQueue
	timer    *time.Timer
	wbuf     []byte

	mu    sync.Mutex // serializes state transitions with queue pushes
	state atomic.Int32

	frames     chan readResult
	abort      chan struct{}
	abortOnce  sync.Once
	done       chan struct{}
	readerDone chan struct{}
	startOnce  sync.Once
	started    bool
	termOnce   sync.Once

	hooksMu     sync.Mutex
	onTerminate []func(*Conn)

	// Owned by the serving goroutine.
	closeSent     bool
	closeReceived bool
	closeCode     CloseCode
	fragmented    bool
	fragOp        Opcode
	fragBuf       []byte
}

// NewConn wraps an upgraded socket. br carries any bytes the HTTP layer
// buffered past the handshake; nil reads nc directly.
func NewConn(nc net.Conn, br *bufio.Reader, cfg Config, opts ...Option) *Conn {
	if br == nil {
		br = bufio.NewReader(nc)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	c := &Conn{
		id:         ulid.Make().String(),
		nc:         nc,
		br:         br,
		cfg:        cfg,
		logger:     slog.Default(),
		observer:   nopObserver{},
		now:        time.Now,
		queue:      newOutQueue(),
		frames:     make(chan readResult),
		abort:      make(chan struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		closeCode:  CloseAbnormal,
	}
	for _, opt := range opts {
		opt(c)
	}

	keepAlive := cfg.KeepAliveTimeout
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveTimeout
	}
	if cfg.KeepAliveJitter && keepAlive >= 2 {
		keepAlive += rand.N(keepAlive / 2)
	}
	c.timeouts = NewTimeoutManager(keepAlive, cfg.InactivityTimeout, c.now)
	c.limiter = NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitDelay, c.now)
	c.timer = time.NewTimer(time.Hour)
	c.timer.Stop()
	return c
}

// ID returns the unique connection id.
func (c *Conn) ID() string { return c.id }

// Session returns the session attached with WithSession, or nil.
func (c *Conn) Session() *domain.Session { return c.session }

// SessionID returns the id of the attached session, or "".
func (c *Conn) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// State returns the current close-handshake state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Done is closed once the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseCode returns the code of the CLOSE frame this side sent, or
// CloseAbnormal when none was sent. Only meaningful after Done is closed.
func (c *Conn) CloseCode() CloseCode { return c.closeCode }

// OnTerminate registers fn to run once, on the serving goroutine, after the
// connection reached StateClosed and its socket was released.
func (c *Conn) OnTerminate(fn func(*Conn)) {
	c.hooksMu.Lock()
	defer c.hooksMu.Unlock()
	c.onTerminate = append(c.onTerminate, fn)
}

// Send queues message for delivery: a string as TEXT, a []byte as BINARY and
// anything else JSON-encoded as TEXT. It never blocks and fails with
// domain.ErrInvalidState unless the connection is open.
func (c *Conn) Send(message any) error {
	var f Frame
	switch m := message.(type) {
	case string:
		f = NewFrame(OpText, []byte(m))
	case []byte:
		f = NewFrame(OpBinary, m)
	case json.RawMessage:
		f = NewFrame(OpText, m)
	default:
		b, err := json.Marshal(m)
		if err != nil {
			return domain.WrapOp("Conn.Send", err)
		}
		f = NewFrame(OpText, b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateOpen || !c.queue.push(f) {
		return domain.NewDomainError("Conn.Send", domain.ErrInvalidState, c.State().String())
	}
	return nil
}

// Close starts the closing handshake with code. CloseAbnormal drops the
// connection without a handshake. Closing a connection that is already
// closing is a no-op.
func (c *Conn) Close(code CloseCode, reason string) error {
	if code == CloseAbnormal {
		c.abortOnce.Do(func() { close(c.abort) })
		return nil
	}
	f, err := NewCloseFrame(code, reason)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateOpen {
		return nil
	}
	c.state.Store(int32(StateClosing))
	c.queue.push(f)
	return nil
}

// Messages yields data messages until the connection closes. The caller must
// keep iterating: the iteration is what services the socket.
func (c *Conn) Messages() iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			msg, err := c.Next()
			if err != nil || !yield(msg) {
				return
			}
		}
	}
}

// Next services the connection until a complete data message is available
// or the connection terminates, in which case it returns
// domain.ErrConnectionClosed. Each cycle handles exactly one of: a peer
// frame, a queued outgoing frame, or a timer expiry.
func (c *Conn) Next() (Message, error) {
	c.startOnce.Do(func() {
		c.started = true
		go c.readLoop()
	})
	for {
		if c.State() == StateClosed {
			return Message{}, domain.ErrConnectionClosed
		}
		if c.timeouts.HasTimedOut() && c.handleTimeout() {
			continue
		}

		wait := c.timeouts.NextDeadline().Sub(c.now())
		if wait < minWait {
			wait = minWait
		}
		c.timer.Reset(wait)

		select {
		case <-c.abort:
			c.terminate()
		case <-c.queue.readyC():
			if f, ok := c.queue.pop(); ok {
				c.writeQueued(f)
			}
		case r := <-c.frames:
			if msg, ok := c.handleRead(r); ok {
				c.timer.Stop()
				return msg, nil
			}
		case <-c.timer.C:
			if c.State() == StateOpen && c.timeouts.PingDue() {
				_ = c.writeFrame(NewFrame(OpPing, nil))
			}
		}
		c.timer.Stop()
	}
}

// handleTimeout reacts to an expired timer. It returns false when the
// connection should keep servicing its queue (a CLOSE is still pending).
func (c *Conn) handleTimeout() bool {
	reason := c.timeouts.Reason()
	switch {
	case reason == TimeoutKeepAlive && c.State() == StateOpen:
		c.logger.Debug("websocket keep-alive expired", "conn_id", c.id)
		c.closeNow(CloseKeepAliveTimeout, "")
		return true
	case reason == TimeoutNoResponse || c.closeSent:
		c.logger.Debug("websocket timed out", "conn_id", c.id, "reason", reason.String())
		c.terminate()
		return true
	}
	return false
}

func (c *Conn) handleRead(r readResult) (Message, bool) {
	if r.err != nil {
		c.fail(r.err)
		return Message{}, false
	}
	f := r.frame
	c.observer.FrameReceived(f.Opcode)
	if err := c.limiter.Admit(); err != nil {
		c.fail(err)
		return Message{}, false
	}
	c.timeouts.OnFrameReceived(f.Opcode)
	msg, ok, err := c.processFrame(f)
	if err != nil {
		c.fail(err)
		return Message{}, false
	}
	return msg, ok
}

func (c *Conn) processFrame(f Frame) (Message, bool, error) {
	if f.Opcode.IsControl() {
		return Message{}, false, c.handleControl(f)
	}
	if c.State() != StateOpen {
		// Data received after a CLOSE is discarded.
		return Message{}, false, nil
	}
	if f.Opcode == OpContinuation {
		if !c.fragmented {
			return Message{}, false, domain.NewDomainError("Conn.Next", domain.ErrProtocol, "unexpected continuation frame")
		}
		if len(c.fragBuf)+len(f.Payload) > c.cfg.MaxMessageSize {
			return Message{}, false, domain.NewDomainError("Conn.Next", domain.ErrPayloadTooLarge, "fragmented message")
		}
		c.fragBuf = append(c.fragBuf, f.Payload...)
		if !f.Fin {
			return Message{}, false, nil
		}
		op, data := c.fragOp, c.fragBuf
		c.fragmented, c.fragBuf = false, nil
		return c.message(op, data)
	}
	if c.fragmented {
		return Message{}, false, domain.NewDomainError("Conn.Next", domain.ErrProtocol, "a continuation frame was expected")
	}
	if !f.Fin {
		c.fragmented = true
		c.fragOp = f.Opcode
		c.fragBuf = append([]byte(nil), f.Payload...)
		return Message{}, false, nil
	}
	return c.message(f.Opcode, f.Payload)
}

func (c *Conn) message(op Opcode, data []byte) (Message, bool, error) {
	text := op == OpText
	if text && !utf8.Valid(data) {
		return Message{}, false, domain.NewDomainError("Conn.Next", domain.ErrInvalidUTF8, "text message")
	}
	// A single NUL byte is a client-side keepalive.
	if len(data) == 1 && data[0] == 0 {
		return Message{}, false, nil
	}
	return Message{Data: data, Text: text}, true, nil
}

func (c *Conn) handleControl(f Frame) error {
	switch f.Opcode {
	case OpPing:
		c.queue.push(NewFrame(OpPong, f.Payload))
	case OpClose:
		c.closeReceived = true
		code, reason, err := ParseClosePayload(f.Payload)
		if err != nil {
			return err
		}
		c.logger.Debug("websocket close received", "conn_id", c.id, "code", code.String(), "reason", reason)
		c.setState(StateClosing)
		if c.closeSent {
			c.terminate()
			return nil
		}
		c.closeNow(code, "")
	}
	return nil
}

// fail ends the connection after an error in the serve loop, sending the
// close code that best describes err.
func (c *Conn) fail(err error) {
	code := closeCodeFor(err)
	switch code {
	case CloseAbnormal:
		c.logger.Debug("websocket transport closed", "conn_id", c.id, "error", err)
		c.terminate()
		return
	case CloseServerError:
		c.logger.Error("websocket connection failed", "conn_id", c.id, "error", err)
		c.closeNow(code, "")
		return
	}
	c.logger.Debug("websocket closing on error", "conn_id", c.id, "code", code.String(), "error", err)
	c.closeNow(code, closeReason(err))
}

// closeNow writes a CLOSE frame directly, ahead of queued data.
func (c *Conn) closeNow(code CloseCode, reason string) {
	if c.closeSent {
		c.terminate()
		return
	}
	f, err := NewCloseFrame(code, reason)
	if err != nil {
		c.terminate()
		return
	}
	c.setState(StateClosing)
	_ = c.writeFrame(f)
}

func (c *Conn) writeQueued(f Frame) {
	if c.closeSent {
		return
	}
	_ = c.writeFrame(f)
}

func (c *Conn) writeFrame(f Frame) error {
	if f.Opcode == OpClose && c.closeSent {
		return nil
	}
	var err error
	c.wbuf, err = AppendFrame(c.wbuf[:0], f, nil)
	if err != nil {
		return err
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(ResponseTimeout))
	if _, err = c.nc.Write(c.wbuf); err != nil {
		c.logger.Debug("websocket write failed", "conn_id", c.id, "error", err)
		c.terminate()
		return fmt.Errorf("%w: %w", domain.ErrConnectionClosed, err)
	}
	c.observer.FrameSent(f.Opcode)
	c.timeouts.OnFrameSent(f.Opcode)
	if f.Opcode != OpClose {
		return nil
	}

	code, _, _ := ParseClosePayload(f.Payload)
	c.closeSent = true
	c.closeCode = code
	c.setState(StateClosing)
	if c.closeReceived || !code.IsClean() {
		c.terminate()
	}
	return nil
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateClosed {
		c.state.Store(int32(s))
	}
}

// readLoop decodes frames and hands them to the serving goroutine. After an
// error or termination it drains the peer until EOF or the drain deadline.
func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		f, err := ReadFrame(c.br, c.cfg.MaxMessageSize)
		select {
		case c.frames <- readResult{frame: f, err: err}:
			if err == nil {
				continue
			}
			<-c.done
		case <-c.done:
		}
		_, _ = io.Copy(io.Discard, c.br)
		return
	}
}

// terminate half-closes the socket, drains the peer, releases the socket and
// fires the termination callbacks. It runs at most once.
func (c *Conn) terminate() {
	c.termOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateClosed))
		c.queue.close()
		c.mu.Unlock()
		close(c.done)

		if cw, ok := c.nc.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
		_ = c.nc.SetReadDeadline(time.Now().Add(c.cfg.DrainTimeout))
		if c.started {
			<-c.readerDone
		}
		_ = c.nc.Close()
		c.timer.Stop()
		c.observer.Closed(c.closeCode)

		c.hooksMu.Lock()
		hooks := append([]func(*Conn){}, c.onTerminate...)
		c.hooksMu.Unlock()
		for _, fn := range hooks {
			c.runHook(fn)
		}
	})
}

func (c *Conn) runHook(fn func(*Conn)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("websocket terminate hook panicked", "conn_id", c.id, "panic", r)
		}
	}()
	fn(c)
}

// closeCodeFor maps a serve-loop error to the close code sent to the peer.
func closeCodeFor(err error) CloseCode {
	switch {
	case errors.Is(err, domain.ErrConnectionClosed):
		return CloseAbnormal
	case errors.Is(err, domain.ErrProtocol), errors.Is(err, domain.ErrInvalidCloseCode):
		return CloseProtocolError
	case errors.Is(err, domain.ErrInvalidUTF8):
		return CloseInconsistentData
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return CloseMessageTooBig
	case errors.Is(err, domain.ErrRateLimit):
		return CloseTryLater
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return CloseAbnormal
	}
	return CloseServerError
}

func closeReason(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) {
		return de.Err.Error()
	}
	return err.Error()
}
