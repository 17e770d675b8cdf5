package gateway

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"livebus/internal/domain"
)

const (
	handshakeGUID    = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	supportedVersion = "13"
)

var requiredHeaders = []string{"Connection", "Host", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Upgrade"}

// HandshakeError is a rejected upgrade request. Err is domain.ErrBadRequest
// or domain.ErrUpgradeRequired.
type HandshakeError struct {
	Status int
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string { return fmt.Sprintf("handshake: %s", e.Reason) }

func (e *HandshakeError) Unwrap() error { return e.Err }

func badHandshake(format string, args ...any) *HandshakeError {
	return &HandshakeError{
		Status: http.StatusBadRequest,
		Reason: fmt.Sprintf(format, args...),
		Err:    domain.ErrBadRequest,
	}
}

// ValidateHandshake checks an upgrade request and returns the
// Sec-WebSocket-Accept value for it.
func ValidateHandshake(r *http.Request) (string, error) {
	var missing []string
	for _, name := range requiredHeaders {
		v := r.Header.Get(name)
		if name == "Host" {
			// net/http moves Host out of the header map.
			v = r.Host
		}
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", badHandshake("empty or missing header(s): %s", strings.Join(missing, ", "))
	}
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return "", badHandshake("invalid upgrade header")
	}
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		return "", badHandshake("invalid connection header")
	}
	if v := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Version")); v != supportedVersion {
		return "", &HandshakeError{
			Status: http.StatusUpgradeRequired,
			Reason: fmt.Sprintf("unsupported websocket version %q", v),
			Err:    domain.ErrUpgradeRequired,
		}
	}
	key := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	decoded, err := base64.StdEncoding.Strict().DecodeString(key)
	if err != nil {
		return "", badHandshake("Sec-WebSocket-Key should be base64 encoded")
	}
	if len(decoded) != 16 {
		return "", badHandshake("Sec-WebSocket-Key should be of length 16 once decoded")
	}
	return ComputeAcceptKey(key), nil
}

// ComputeAcceptKey derives Sec-WebSocket-Accept from Sec-WebSocket-Key.
func ComputeAcceptKey(key string) string {
	sum := sha1.Sum([]byte(key + handshakeGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// writeHandshakeError answers a rejected upgrade with a plain-text reason.
func writeHandshakeError(w http.ResponseWriter, he *HandshakeError) {
	if he.Status == http.StatusUpgradeRequired {
		w.Header().Set("Sec-WebSocket-Version", supportedVersion)
	}
	http.Error(w, he.Reason, he.Status)
}
