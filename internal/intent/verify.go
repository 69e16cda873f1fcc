package intent

import (
	"fmt"
	"strings"

	"careline/internal/action"
)

// IntegrityError is fatal and startup-only. It carries every violation
// found so a broken catalog can be fixed in one pass.
type IntegrityError struct {
	Violations []string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("catalog integrity: %d violation(s):\n  %s",
		len(e.Violations), strings.Join(e.Violations, "\n  "))
}

// Verify checks every catalog invariant and returns an IntegrityError
// listing all violations, or nil. handlers is the set of intent keys
// with a registered execution handler; pass nil to skip that check
// (read-only tooling).
//
// Verify runs once at process start, never lazily: a broken entry must
// not be reachable from production traffic.
func (c *Catalog) Verify(handlers map[string]bool) error {
	var violations []string
	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	for _, key := range c.Keys() {
		d := c.defs[key]
		if strings.Count(key, ".") != 2 {
			add("%s: key must be domain.verb.action", key)
		}
		if d.Parse == nil {
			add("%s: missing parameter parser", key)
		}
		switch d.Automation {
		case Query:
			if d.Response == "" {
				add("%s: query intent must declare a response schema", key)
			}
			if d.EventType != "" || d.ActionKey != "" {
				add("%s: query intent must not carry an execution mapping", key)
			}
		case Advisory:
			if d.WorkItem == nil {
				add("%s: advisory intent must declare a work-item template", key)
			}
			if d.EventType != "" || d.ActionKey != "" {
				add("%s: advisory intent must not carry an execution mapping", key)
			}
		case Executing:
			switch {
			case d.EventType != "" && d.ActionKey != "":
				add("%s: exactly one of event type and action key is permitted, got both", key)
			case d.EventType == "" && d.ActionKey == "":
				add("%s: executing intent must map to an event type or an action key", key)
			case d.EventType != "":
				if !action.ValidEventType(d.EventType) {
					add("%s: event type %q not in event catalog", key, d.EventType)
				}
			default:
				if err := action.AssertValidKey(d.ActionKey); err != nil {
					add("%s: %v", key, err)
				}
			}
			if mapping := d.mappingKey(); handlers != nil && mapping != "" && !handlers[mapping] {
				add("%s: no execution handler registered for %s", key, mapping)
			}
		default:
			add("%s: unknown automation level %q", key, d.Automation)
		}
		if d.WorkItem != nil {
			switch d.WorkItem.EntityType {
			case "member", "tenant":
			default:
				add("%s: work-item entity type %q invalid", key, d.WorkItem.EntityType)
			}
			switch d.WorkItem.Window {
			case "once", "day", "week":
			default:
				add("%s: work-item window %q invalid", key, d.WorkItem.Window)
			}
		}
	}

	if handlers != nil {
		mapped := make(map[string]bool, len(c.defs))
		for _, d := range c.defs {
			if m := d.mappingKey(); m != "" {
				mapped[m] = true
			}
		}
		for key := range handlers {
			if !mapped[key] {
				add("handler registered for unmapped key %s", key)
			}
		}
	}

	if len(violations) > 0 {
		return &IntegrityError{Violations: violations}
	}
	return nil
}
