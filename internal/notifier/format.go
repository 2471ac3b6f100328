package notifier

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

func prefixFor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🚨 "
	case SeverityError:
		return "❌ "
	case SeverityWarning:
		return "⚠️ "
	case SeverityInfo:
		return "ℹ️ "
	default:
		return ""
	}
}

// formatAlert renders the chat text: a header line, the message and sorted details.
func formatAlert(a Alert) string {
	var b strings.Builder
	b.WriteString(prefixFor(a.Severity))
	b.WriteString("[")
	b.WriteString(a.Severity.String())
	b.WriteString("] ")
	b.WriteString(a.Category)
	if a.Message != "" {
		b.WriteString("\n")
		b.WriteString(a.Message)
	}
	keys := make([]string, 0, len(a.Details))
	for k := range a.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := fmt.Sprint(a.Details[k])
		if len(v) > 500 {
			v = v[:497] + "..."
		}
		b.WriteString("\n- ")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
	}
	s := b.String()
	if len(s) > 3500 {
		s = s[:3497] + "..."
	}
	return s
}

// identityKeys are the details that name the subject of an alert. Alerts about
// different items or entries never collapse into each other.
var identityKeys = []string{"item_id", "entry_id"}

// dedupKey ignores the remaining details so repeated alerts with changing
// counters still collapse.
func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|%s", a.Severity, a.Category, a.Message)
	for _, k := range identityKeys {
		if v, ok := a.Details[k]; ok {
			_, _ = fmt.Fprintf(h, "|%s=%v", k, v)
		}
	}
	return fmt.Sprintf("%x", h.Sum64())
}
