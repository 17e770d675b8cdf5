package domain

import (
	"context"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditAdminAction AuditEventType = "admin_action"
	AuditAccessLog   AuditEventType = "access"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Actor     string            `json:"actor"`
	Resource  string            `json:"resource,omitempty"`
	Action    string            `json:"action"`
	Outcome   string            `json:"outcome"`
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger records operator actions.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}
