package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"threatwatch/core"
	"threatwatch/util"
)

// Kind distinguishes a new alert from a follow-up notice about one
type Kind string

const (
	KindAlert      Kind = "alert"
	KindResolution Kind = "resolution"
)

// Detail is one rendered key/value pair from the alert details
type Detail struct {
	Key   string
	Value string
}

// Payload is the channel-neutral notification content. Details are
// sanitized and sorted by key so every channel renders them the same way.
type Payload struct {
	Kind          Kind
	AlertID       string
	Rule          core.RuleID
	Severity      core.Severity
	Status        core.AlertStatus
	Description   string
	SourceEventID string
	EventType     core.EventType
	SourceIP      string
	User          string
	Resource      string
	Timestamp     time.Time
	Details       []Detail
}

// NewPayload renders alert into a payload of the given kind
func NewPayload(alert *core.Alert, kind Kind) Payload {
	return Payload{
		Kind:          kind,
		AlertID:       alert.AlertID,
		Rule:          alert.Rule,
		Severity:      alert.Severity,
		Status:        alert.Status,
		Description:   alert.Description,
		SourceEventID: alert.SourceEventID,
		EventType:     alert.SourceEvent.EventType,
		SourceIP:      alert.SourceEvent.SourceIP,
		User:          alert.SourceEvent.User,
		Resource:      alert.SourceEvent.Resource,
		Timestamp:     alert.CreatedAt,
		Details:       renderDetails(alert.Details),
	}
}

func renderDetails(details map[string]interface{}) []Detail {
	clean := util.SanitizeMap(details)
	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Detail, 0, len(keys))
	for _, k := range keys {
		out = append(out, Detail{Key: k, Value: renderValue(clean[k])})
	}
	return out
}

func renderValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int, int32, int64, uint, uint32, uint64, bool:
		return fmt.Sprintf("%v", val)
	case float64:
		return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", val), "0"), ".")
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

// Subject is the one-line headline used by email and SMS
func (p Payload) Subject() string {
	if p.Kind == KindResolution {
		return fmt.Sprintf("Resolved: %s (%s)", p.Rule, p.Severity)
	}
	return fmt.Sprintf("Security Alert: %s (%s)", p.Rule, p.Severity)
}

// Text renders the full plain-text body
func (p Payload) Text() string {
	var b strings.Builder
	if p.Kind == KindResolution {
		fmt.Fprintf(&b, "SECURITY ALERT RESOLVED - %s\n\n", p.Severity)
	} else {
		fmt.Fprintf(&b, "SECURITY ALERT - %s\n\n", p.Severity)
	}
	fmt.Fprintf(&b, "Rule: %s\n", p.Rule)
	fmt.Fprintf(&b, "Description: %s\n\n", p.Description)
	b.WriteString("Event Details:\n")
	fmt.Fprintf(&b, "- Source IP: %s\n", orUnknown(p.SourceIP))
	fmt.Fprintf(&b, "- User: %s\n", orUnknown(p.User))
	fmt.Fprintf(&b, "- Resource: %s\n", orUnknown(p.Resource))
	fmt.Fprintf(&b, "- Event Type: %s\n\n", orUnknown(string(p.EventType)))
	fmt.Fprintf(&b, "Alert ID: %s\n", p.AlertID)
	fmt.Fprintf(&b, "Timestamp: %s\n", p.Timestamp.UTC().Format(time.RFC3339))
	if len(p.Details) > 0 {
		b.WriteString("\nAdditional Details:\n")
		for _, d := range p.Details {
			fmt.Fprintf(&b, "- %s: %s\n", d.Key, d.Value)
		}
	}
	return b.String()
}

// Short renders a single line suitable for SMS
func (p Payload) Short() string {
	prefix := "[" + p.Severity.String() + "]"
	if p.Kind == KindResolution {
		prefix = "[RESOLVED " + p.Severity.String() + "]"
	}
	msg := fmt.Sprintf("%s %s: %s", prefix, p.Rule, p.Description)
	if p.SourceIP != "" {
		msg += " from " + p.SourceIP
	}
	return truncate(msg+" ("+p.AlertID+")", maxSMSLength)
}

const maxSMSLength = 160

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
