package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionLifecycle(t *testing.T) {
	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed(1000)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connsOpen))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.closes.WithLabelValues("1000")))
}

func TestDispatchCounters(t *testing.T) {
	m := New()
	m.NotificationsEnqueued(3)
	m.NotificationsDelivered(5)
	m.DispatchError("poll")
	m.ObserveDispatch(2 * time.Millisecond)
	m.SetSubscribers(4)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.enqueued))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.delivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchErrors.WithLabelValues("poll")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.subscribers))
	assert.Equal(t, 1, testutil.CollectAndCount(m.dispatchDuration))
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.FrameReceived("text")
	m.FrameSent("close")
	m.HandshakeRejected(426)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `livebus_frames_received_total{opcode="text"} 1`)
	assert.Contains(t, out, `livebus_frames_sent_total{opcode="close"} 1`)
	assert.Contains(t, out, `livebus_handshakes_rejected_total{status="426"} 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.ConnOpened()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.connsOpen))
}
