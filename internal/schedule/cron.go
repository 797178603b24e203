package schedule

import (
	"maps"
	"strings"
)

// Accepted cron property keys, highest priority first.
const (
	CronKeyPrimary = "spring.cloud.scheduler.cron.expression"
	CronKeyShort   = "scheduler.cron.expression"
	CronKeyLegacy  = "spring.cloud.deployer.cron.expression"
)

// DefaultCronKeys is the key order used when none is configured.
var DefaultCronKeys = []string{CronKeyPrimary, CronKeyShort, CronKeyLegacy}

// CronResolver picks one cron expression out of a property map.
type CronResolver struct {
	keys []string
}

// NewCronResolver returns a resolver checking keys in order. Blank and
// duplicate keys are ignored; no usable key means DefaultCronKeys.
func NewCronResolver(keys ...string) CronResolver {
	seen := map[string]bool{}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	if len(out) == 0 {
		out = append(out, DefaultCronKeys...)
	}
	return CronResolver{keys: out}
}

// Keys returns the candidate keys in priority order.
func (r CronResolver) Keys() []string {
	if len(r.keys) == 0 {
		return append([]string(nil), DefaultCronKeys...)
	}
	return append([]string(nil), r.keys...)
}

// CanonicalKey is the key the expression is reported under when listing.
func (r CronResolver) CanonicalKey() string { return r.Keys()[0] }

// Resolve returns the first non-blank expression and a copy of props with
// every candidate key removed. props is not modified.
func (r CronResolver) Resolve(props map[string]string) (string, map[string]string, error) {
	keys := r.Keys()
	expr := ""
	for _, k := range keys {
		if v := strings.TrimSpace(props[k]); v != "" {
			expr = v
			break
		}
	}
	if expr == "" {
		return "", nil, &MissingCronError{Keys: keys}
	}
	cleaned := maps.Clone(props)
	if cleaned == nil {
		cleaned = map[string]string{}
	}
	for _, k := range keys {
		delete(cleaned, k)
	}
	return expr, cleaned, nil
}
