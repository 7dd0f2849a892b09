// Package safeguard gates external actions for single-process setups:
// endpoint whitelisting, monetary and shell scanning, simulated-method
// enforcement, and per-action retry/cooldown state. It is independent of
// the tool gateway, which governs workspace-local actions.
package safeguard

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Defaults applied when the config leaves a knob zero.
const (
	DefaultRetryMax       = 3
	DefaultCooldownWindow = 60 * time.Second
)

// Methods the sandbox accepts without real-world impact approval.
var simulatedMethods = map[string]bool{
	"SIMULATE": true,
	"NOOP":     true,
}

var monetaryKeywords = []string{
	"pay", "payment", "charge", "billing", "invoice", "wire", "transfer",
	"withdraw", "deposit", "bank", "wallet", "crypto", "money", "usd", "eur",
}

var shellFields = []string{
	"command", "shell", "shell_command", "exec", "script", "process",
}

// Config tunes a Monitor.
type Config struct {
	RetryMax             int
	CooldownWindow       time.Duration
	EndpointWhitelist    []string
	AllowRealWorldImpact bool
}

// Decision is the verdict for one checked request.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason"`
	ActionKey     string `json:"action_key"`
	Endpoint      string `json:"endpoint"`
	OriginID      string `json:"origin_id"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
}

// SandboxResult is the outcome of a sandboxed execution.
type SandboxResult struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	OriginID string `json:"origin_id"`
	Endpoint string `json:"endpoint"`
	Action   string `json:"action"`
	Method   string `json:"method,omitempty"`
}

// AttemptState reports the retry bookkeeping for one action key.
type AttemptState struct {
	ActionKey     string `json:"action_key"`
	Retries       int    `json:"retries"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
}

type attempt struct {
	retries       int
	cooldownUntil time.Time
}

// Monitor holds the whitelist and the mutable retry state.
type Monitor struct {
	retryMax  int
	cooldown  time.Duration
	whitelist map[string]bool
	allowReal bool
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	attempts map[string]*attempt
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger.With("component", "safeguard")
		}
	}
}

// New builds a monitor from the config.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		retryMax:  cfg.RetryMax,
		cooldown:  cfg.CooldownWindow,
		whitelist: make(map[string]bool, len(cfg.EndpointWhitelist)),
		allowReal: cfg.AllowRealWorldImpact,
		logger:    slog.Default().With("component", "safeguard"),
		now:       time.Now,
		attempts:  make(map[string]*attempt),
	}
	if m.retryMax <= 0 {
		m.retryMax = DefaultRetryMax
	}
	if m.cooldown <= 0 {
		m.cooldown = DefaultCooldownWindow
	}
	for _, raw := range cfg.EndpointWhitelist {
		if host := normalizeHost(raw); host != "" {
			m.whitelist[host] = true
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckRequest evaluates a payload against the safeguard policy. The gates
// run in a fixed order: cooldown, monetary scan, shell scan, endpoint
// presence, whitelist.
func (m *Monitor) CheckRequest(payload map[string]any, originID string) *Decision {
	endpoint := extractEndpoint(payload)
	key := actionKey(payload, originID, endpoint)
	decision := &Decision{
		ActionKey: key,
		Endpoint:  endpoint,
		OriginID:  originID,
	}

	if until, blocked := m.cooldownStatus(key); blocked {
		decision.Reason = "action in cooldown window"
		decision.CooldownUntil = until
		return decision
	}
	if containsMonetaryOperation(payload) {
		decision.Reason = "monetary operations are prohibited by safeguard policy"
		return decision
	}
	if containsShellExecution(payload) {
		decision.Reason = "shell execution is prohibited by safeguard policy"
		return decision
	}
	if endpoint == "" {
		decision.Reason = "external action request missing endpoint"
		return decision
	}
	if !m.isWhitelisted(endpoint) {
		decision.Reason = "endpoint is not in whitelist"
		return decision
	}

	decision.Allowed = true
	decision.Reason = "safeguard checks passed"
	return decision
}

// ExecuteInSandbox simulates an external action: shell and monetary
// payloads are denied, and only simulated methods run unless real-world
// impact is explicitly enabled.
func (m *Monitor) ExecuteInSandbox(payload map[string]any, originID string) *SandboxResult {
	endpoint := extractEndpoint(payload)
	action := payloadString(payload, "action")
	if action == "" {
		action = "external_action"
	}
	method := strings.ToUpper(payloadString(payload, "method"))
	if method == "" {
		method = "SIMULATE"
	}
	result := &SandboxResult{
		OriginID: originID,
		Endpoint: endpoint,
		Action:   action,
		Method:   method,
	}

	switch {
	case containsShellExecution(payload):
		result.Status = "denied"
		result.Reason = "shell execution denied in sandbox"
	case containsMonetaryOperation(payload):
		result.Status = "denied"
		result.Reason = "monetary operation denied in sandbox"
	case !simulatedMethods[method] && !m.allowReal:
		result.Status = "denied"
		result.Reason = "only simulated methods are allowed in the sandbox"
	default:
		result.Success = true
		result.Status = "executed"
		result.Reason = "sandbox simulation completed"
	}
	return result
}

// RecordAttempt updates the retry state for the payload's action key. A
// success clears it; a failure increments the counter, and hitting the
// retry maximum starts the cooldown window.
func (m *Monitor) RecordAttempt(payload map[string]any, originID string, success bool) *AttemptState {
	endpoint := extractEndpoint(payload)
	key := actionKey(payload, originID, endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.attempts[key]
	if !ok {
		state = &attempt{}
		m.attempts[key] = state
	}
	if success {
		state.retries = 0
		state.cooldownUntil = time.Time{}
	} else {
		state.retries++
		if state.retries >= m.retryMax {
			state.retries = m.retryMax
			state.cooldownUntil = m.now().Add(m.cooldown)
			m.logger.Warn("action entered cooldown",
				"action_key", key,
				"cooldown_until", state.cooldownUntil.UTC().Format(time.RFC3339),
			)
		}
	}

	report := &AttemptState{ActionKey: key, Retries: state.retries}
	if !state.cooldownUntil.IsZero() {
		report.CooldownUntil = state.cooldownUntil.UTC().Format(time.RFC3339)
	}
	return report
}

func (m *Monitor) cooldownStatus(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.attempts[key]
	if !ok || state.cooldownUntil.IsZero() {
		return "", false
	}
	until := state.cooldownUntil.UTC().Format(time.RFC3339)
	return until, m.now().Before(state.cooldownUntil)
}

func (m *Monitor) isWhitelisted(endpoint string) bool {
	if len(m.whitelist) == 0 {
		return false
	}
	return m.whitelist[normalizeHost(endpoint)]
}

func extractEndpoint(payload map[string]any) string {
	for _, key := range []string{"endpoint", "url"} {
		if v := payloadString(payload, key); v != "" {
			return v
		}
	}
	return ""
}

// normalizeHost reduces an endpoint to its lowercase host so whitelist
// entries match regardless of scheme or path.
func normalizeHost(endpoint string) string {
	raw := strings.ToLower(strings.TrimSpace(endpoint))
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if parsed.Host != "" {
		return parsed.Host
	}
	return parsed.Path
}

func containsMonetaryOperation(payload map[string]any) bool {
	parts := []string{strings.ToLower(payloadString(payload, "action"))}
	for key := range payload {
		parts = append(parts, strings.ToLower(key))
	}
	joined := strings.Join(parts, " ")
	for _, keyword := range monetaryKeywords {
		if strings.Contains(joined, keyword) {
			return true
		}
	}
	return false
}

func containsShellExecution(payload map[string]any) bool {
	for _, field := range shellFields {
		if v, ok := payload[field].(string); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

func actionKey(payload map[string]any, originID, endpoint string) string {
	if explicit := payloadString(payload, "action_id"); explicit != "" {
		return explicit
	}
	action := payloadString(payload, "action")
	if action == "" {
		action = "external_action"
	}
	return fmt.Sprintf("%s|%s|%s", originID, action, endpoint)
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
