package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/openstarry/core/pkg/pluginsdk"
)

// auditEntry is the closed struct every audit-log line encodes.
type auditEntry struct {
	Timestamp  time.Time       `json:"ts"`
	Plugin     string          `json:"plugin"`
	Category   pluginsdk.RPCCategory `json:"category"`
	Method     string          `json:"method,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Result     string          `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs"`
}

const maxAuditFieldBytes = 2048

var redactedKeys = map[string]struct{}{
	"token": {}, "secret": {}, "password": {}, "apikey": {}, "api_key": {}, "authorization": {},
}

// auditLog writes one JSONL record per worker RPC call, rotating the file
// once it exceeds the configured size cap.
type auditLog struct {
	mu        sync.Mutex
	path      string
	maxBytes  int64
	file      *os.File
}

func newAuditLog(cfg pluginsdk.AuditLogConfig) (*auditLog, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	maxBytes := int64(cfg.MaxSizeMB) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &auditLog{path: cfg.Path, maxBytes: maxBytes, file: f}, nil
}

func (a *auditLog) record(plugin string, category pluginsdk.RPCCategory, method string, params json.RawMessage, result string, errText string, dur time.Duration) {
	if a == nil {
		return
	}
	entry := auditEntry{
		Timestamp:  time.Now(),
		Plugin:     plugin,
		Category:   category,
		Method:     method,
		Params:     redact(params),
		Result:     truncate(result),
		Error:      truncate(errText),
		DurationMs: dur.Milliseconds(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	a.rotateIfNeededLocked(int64(len(line)))
	_, _ = a.file.Write(line)
}

func (a *auditLog) rotateIfNeededLocked(incoming int64) {
	info, err := a.file.Stat()
	if err != nil {
		return
	}
	if info.Size()+incoming <= a.maxBytes {
		return
	}
	_ = a.file.Close()
	rotated := a.path + "." + time.Now().Format("20060102T150405")
	_ = os.Rename(a.path, rotated)
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err == nil {
		a.file = f
	}
}

func (a *auditLog) close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// redact walks a JSON object one level deep and replaces any key matching
// redactedKeys with a fixed marker, truncating oversized values.
func redact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return json.RawMessage(truncate(string(raw)))
	}
	for k, v := range obj {
		if _, sensitive := redactedKeys[strings.ToLower(k)]; sensitive {
			obj[k] = json.RawMessage(`"[redacted]"`)
			continue
		}
		if len(v) > maxAuditFieldBytes {
			obj[k] = json.RawMessage(`"[truncated]"`)
		}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxAuditFieldBytes {
		return s
	}
	return s[:maxAuditFieldBytes] + "...[truncated]"
}
