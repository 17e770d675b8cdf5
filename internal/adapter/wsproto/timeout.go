package wsproto

import "time"

const (
	// ResponseTimeout bounds the wait for a PONG or for the peer's CLOSE.
	ResponseTimeout = 15 * time.Second
	// DefaultInactivityTimeout is the idle time after which a PING is sent.
	DefaultInactivityTimeout = 40 * time.Second
	// DefaultKeepAliveTimeout caps the lifetime of a connection.
	DefaultKeepAliveTimeout = time.Hour
)

// TimeoutReason records why a connection timed out.
type TimeoutReason int

const (
	TimeoutNone TimeoutReason = iota
	TimeoutNoResponse
	TimeoutKeepAlive
)

func (r TimeoutReason) String() string {
	switch r {
	case TimeoutNoResponse:
		return "NO_RESPONSE"
	case TimeoutKeepAlive:
		return "KEEP_ALIVE"
	}
	return "NONE"
}

// TimeoutManager tracks outstanding PONG/CLOSE acknowledgements and the age
// of a connection. It is owned by a single serving goroutine and is not safe
// for concurrent use.
type TimeoutManager struct {
	keepAlive  time.Duration
	inactivity time.Duration
	now        func() time.Time

	openedAt     time.Time
	lastActivity time.Time
	awaiting     bool
	awaited      Opcode
	waitStart    time.Time
	reason       TimeoutReason
}

// NewTimeoutManager starts the keep-alive clock now. Non-positive durations
// fall back to the package defaults; a nil clock uses time.Now.
func NewTimeoutManager(keepAlive, inactivity time.Duration, now func() time.Time) *TimeoutManager {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveTimeout
	}
	if inactivity <= 0 {
		inactivity = DefaultInactivityTimeout
	}
	if now == nil {
		now = time.Now
	}
	t := now()
	return &TimeoutManager{
		keepAlive:    keepAlive,
		inactivity:   inactivity,
		now:          now,
		openedAt:     t,
		lastActivity: t,
	}
}

// OnFrameSent starts waiting for a PONG after a PING (unless a response is
// already awaited) and for the peer's CLOSE after a CLOSE. It is a no-op once
// the connection has timed out.
func (m *TimeoutManager) OnFrameSent(op Opcode) {
	if m.HasTimedOut() {
		return
	}
	t := m.now()
	m.lastActivity = t
	switch {
	case op == OpPing && !m.awaiting:
		m.await(OpPong, t)
	case op == OpClose:
		m.await(OpClose, t)
	}
}

// OnFrameReceived clears the pending wait when op is the awaited response.
func (m *TimeoutManager) OnFrameReceived(op Opcode) {
	m.lastActivity = m.now()
	if m.awaiting && op == m.awaited {
		m.awaiting = false
		m.waitStart = time.Time{}
	}
}

func (m *TimeoutManager) await(op Opcode, t time.Time) {
	m.awaiting = true
	m.awaited = op
	m.waitStart = t
}

// HasTimedOut reports whether the connection outlived its keep-alive or an
// awaited response is overdue, and records the reason.
func (m *TimeoutManager) HasTimedOut() bool {
	t := m.now()
	if t.Sub(m.openedAt) >= m.keepAlive {
		m.reason = TimeoutKeepAlive
		return true
	}
	if m.awaiting && t.Sub(m.waitStart) >= ResponseTimeout {
		m.reason = TimeoutNoResponse
		return true
	}
	return false
}

// Reason returns the reason recorded by the last positive HasTimedOut.
func (m *TimeoutManager) Reason() TimeoutReason { return m.reason }

// PingDue reports whether the connection has been idle long enough to probe
// the peer with a PING.
func (m *TimeoutManager) PingDue() bool {
	return !m.awaiting && m.now().Sub(m.lastActivity) >= m.inactivity
}

// NextDeadline returns the earliest instant at which HasTimedOut or PingDue
// may change.
func (m *TimeoutManager) NextDeadline() time.Time {
	next := m.openedAt.Add(m.keepAlive)
	if m.awaiting {
		if d := m.waitStart.Add(ResponseTimeout); d.Before(next) {
			next = d
		}
	} else if d := m.lastActivity.Add(m.inactivity); d.Before(next) {
		next = d
	}
	return next
}
