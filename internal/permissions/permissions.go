// Package permissions is the persisted Permission Rule engine (SPEC_FULL.md
// §3.1): a JSON-backed (tool, action, params-hash) -> decision table
// consulted before a pending permission request reaches the UI at all.
package permissions

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
)

// Decision is the user's standing answer for a (tool, action, params) key.
type Decision string

const (
	AllowOnce   Decision = "allow-once"
	AlwaysAllow Decision = "always-allow"
	Deny        Decision = "deny"
	AlwaysDeny  Decision = "always-deny"
)

// Rule is one persisted permission decision, keyed by tool + action + a
// hash of its canonicalized parameters.
type Rule struct {
	Tool       string         `json:"tool"`
	Action     string         `json:"action"`
	ParamsHash string         `json:"params_hash"`
	Decision   Decision       `json:"decision"`
	Parameters map[string]any `json:"parameters"`
}

// Engine holds the in-memory rule table, loaded from and flushed to a JSON
// file on disk. Consulted at suggestion-normalization time, before a
// session's pending-permission slot is ever filled.
type Engine struct {
	mu     sync.RWMutex
	rules  map[string]Rule
	logger *slog.Logger
}

// New constructs an empty Engine. Call Load to populate it from disk.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:  make(map[string]Rule),
		logger: logger,
	}
}

// Check consults the persisted rule table for (tool, action, params). A
// missing rule means "no standing decision, ask the user" (ok=false). An
// AllowOnce or Deny rule is single-use: it is deleted from the table the
// moment it's consulted.
func (e *Engine) Check(tool, action string, params map[string]any) (decision Decision, ok bool) {
	key := makeKey(tool, action, params)

	e.mu.Lock()
	defer e.mu.Unlock()

	rule, exists := e.rules[key]
	if !exists {
		return "", false
	}

	switch rule.Decision {
	case AllowOnce, Deny:
		delete(e.rules, key)
	}
	return rule.Decision, true
}

// Grant records a standing decision for (tool, action, params), overwriting
// any prior rule for the same key.
func (e *Engine) Grant(tool, action string, params map[string]any, decision Decision) {
	key := makeKey(tool, action, params)
	rule := Rule{
		Tool:       tool,
		Action:     action,
		ParamsHash: hashParams(params),
		Decision:   decision,
		Parameters: params,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[key] = rule
	e.logger.Debug("permission rule granted", "tool", tool, "action", action, "decision", decision)
}

// Forget removes any standing rule for (tool, action, params), if present.
func (e *Engine) Forget(tool, action string, params map[string]any) {
	key := makeKey(tool, action, params)
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, key)
}

// Load reads the rule table from path, replacing whatever is in memory. A
// missing file is not an error — a fresh install has no rules yet.
func (e *Engine) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read permission rules: %w", err)
	}

	var rules map[string]Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse permission rules: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
	return nil
}

// Save writes the rule table to path as indented JSON, creating parent
// directories as needed.
func (e *Engine) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create permission rules dir: %w", err)
	}

	e.mu.RLock()
	data, err := json.MarshalIndent(e.rules, "", "  ")
	e.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal permission rules: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write permission rules: %w", err)
	}
	return nil
}

func makeKey(tool, action string, params map[string]any) string {
	return fmt.Sprintf("%s:%s:%s", tool, action, hashParams(params))
}

// hashParams produces a deterministic digest of params regardless of map
// key iteration order, so the same logical call always hashes the same way.
func hashParams(params map[string]any) string {
	canonical := canonicalize(params)
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)[:16]
}

func canonicalize(v any) any {
	val := reflect.ValueOf(v)

	switch val.Kind() {
	case reflect.Map:
		if val.Type().Key().Kind() != reflect.String {
			return v
		}
		keys := val.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

		result := make(map[string]any, len(keys))
		for _, k := range keys {
			result[k.String()] = canonicalize(val.MapIndex(k).Interface())
		}
		return result

	case reflect.Slice, reflect.Array:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			result[i] = canonicalize(val.Index(i).Interface())
		}
		return result

	default:
		return v
	}
}
