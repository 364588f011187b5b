package guardrail

import (
	"strings"
	"sync"
)

// Redactor scans text for known secret values and replaces them before they
// reach logs, step observations or the oracle.
type Redactor struct {
	mu          sync.RWMutex
	knownValues map[string]string // value → name
}

// NewRedactor creates a Redactor from a name → value secret map.
func NewRedactor(secrets map[string]string) *Redactor {
	r := &Redactor{knownValues: make(map[string]string, len(secrets))}
	for name, val := range secrets {
		if val != "" {
			r.knownValues[val] = name
		}
	}
	return r
}

// Add registers one more secret value at runtime.
func (r *Redactor) Add(name, value string) {
	if value == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownValues[value] = name
}

// Redact replaces known secret values with [REDACTED:name].
func (r *Redactor) Redact(text string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for val, name := range r.knownValues {
		if strings.Contains(text, val) {
			text = strings.ReplaceAll(text, val, "[REDACTED:"+name+"]")
		}
	}
	return text
}
