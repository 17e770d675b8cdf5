package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateGateway(cfg, ve)
	validateWebsocket(cfg, ve)
	validateBus(cfg, ve)
	validateStore(cfg, ve)
	validatePresence(cfg, ve)
	validateRetry(cfg, ve)
	validateScheduler(cfg, ve)
	validateAudit(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogFormats = map[string]bool{"text": true, "json": true, "": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be within [0, 1]")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		ve.Add("gateway.request_timeout must be > 0")
	}
	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		if rl.RequestsPerMinute <= 0 {
			ve.Add("gateway.rate_limit.requests_per_minute must be > 0 when enabled")
		}
		if rl.Burst <= 0 {
			ve.Add("gateway.rate_limit.burst must be > 0 when enabled")
		}
	}
	if cfg.Gateway.Auth.SessionTTL < 0 {
		ve.Add("gateway.auth.session_ttl must be >= 0")
	}
	seen := make(map[string]bool)
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token is required", i)
		}
		if tok.Tenant == "" {
			ve.Add("gateway.auth.tokens[%d].tenant is required", i)
		}
		if seen[tok.Token] && tok.Token != "" {
			ve.Add("gateway.auth.tokens[%d] duplicates an earlier token", i)
		}
		seen[tok.Token] = true
	}
}

func validateWebsocket(cfg *Config, ve *ValidationError) {
	ws := cfg.Websocket
	if ws.MaxMessageSize <= 0 {
		ve.Add("websocket.max_message_size must be > 0")
	}
	if ws.KeepAliveTimeout <= 0 {
		ve.Add("websocket.keep_alive_timeout must be > 0")
	}
	if ws.InactivityTimeout <= 0 {
		ve.Add("websocket.inactivity_timeout must be > 0")
	}
	if ws.RateLimitBurst < 0 {
		ve.Add("websocket.rate_limit_burst must be >= 0")
	}
	if ws.RateLimitDelay < 0 {
		ve.Add("websocket.rate_limit_delay must be >= 0")
	}
}

var validTransports = map[string]bool{"memory": true, "redis": true}

func validateBus(cfg *Config, ve *ValidationError) {
	d := cfg.Bus.Dispatcher
	if d.Enabled {
		if d.PollInterval <= 0 {
			ve.Add("bus.dispatcher.poll_interval must be > 0")
		}
		if d.Workers <= 0 {
			ve.Add("bus.dispatcher.workers must be > 0")
		}
	}
	tr := cfg.Bus.Transport
	if !validTransports[tr.Type] {
		ve.Add("bus.transport.type %q is invalid (want: memory, redis)", tr.Type)
	}
	if tr.Type == "redis" {
		if tr.RedisURL == "" {
			ve.Add("bus.transport.redis_url is required for the redis transport")
		} else if u, err := url.Parse(tr.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			ve.Add("bus.transport.redis_url %q is not a redis:// URL", tr.RedisURL)
		}
		if tr.Channel == "" {
			ve.Add("bus.transport.channel is required for the redis transport")
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path is required")
	}
	if cfg.Store.ReplayWindow <= 0 {
		ve.Add("store.replay_window must be > 0")
	}
	if cfg.Store.Retention < cfg.Store.ReplayWindow {
		ve.Add("store.retention must be >= store.replay_window")
	}
	if cfg.Store.Breaker.MaxFailures == 0 {
		ve.Add("store.breaker.max_failures must be > 0")
	}
}

func validatePresence(cfg *Config, ve *ValidationError) {
	if cfg.Presence.AwayAfter <= 0 {
		ve.Add("presence.away_after must be > 0")
	}
	if cfg.Presence.DisconnectAfter <= 0 {
		ve.Add("presence.disconnect_after must be > 0")
	}
}

func validateRetry(cfg *Config, ve *ValidationError) {
	r := cfg.Retry
	if r.MaxAttempts <= 0 {
		ve.Add("retry.max_attempts must be > 0")
	}
	if r.InitialInterval <= 0 {
		ve.Add("retry.initial_interval must be > 0")
	}
	if r.Multiplier < 1 {
		ve.Add("retry.multiplier must be >= 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		ve.Add("retry.jitter must be within [0, 1]")
	}
}

var validActions = map[string]bool{
	"notification_gc": true,
	"presence_reap":   true,
	"session_sweep":   true,
	"audit_retention": true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	if cfg.Scheduler.LockTTL < 0 {
		ve.Add("scheduler.lock_ttl must be >= 0")
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if !validActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: notification_gc, presence_reap, session_sweep, audit_retention)", i, t.Action)
		}
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	a := cfg.Audit
	if !a.Enabled {
		return
	}
	if a.Path == "" {
		ve.Add("audit.path is required when enabled")
	}
	if a.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
}
