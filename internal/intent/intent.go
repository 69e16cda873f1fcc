// Package intent defines the static catalog of permissible actions.
// The catalog is read-only in production: it is built from source-level
// map literals, verified once at process start, and looked up everywhere
// else.
package intent

import (
	"sort"
)

type Automation string

const (
	// Query intents read data and never produce Plans.
	Query Automation = "query"
	// Advisory intents surface a Work Item and never execute.
	Advisory Automation = "advisory"
	// Executing intents mutate tenant data after confirmation.
	Executing Automation = "executing"
)

// Field describes one parameter of an intent.
type Field struct {
	Name        string
	Kind        string // string, date, phone
	Required    bool
	Description string
}

// WorkItemTemplate describes how a Plan for this intent is surfaced as
// an actionable record.
type WorkItemTemplate struct {
	Trigger    string
	EntityType string // member or tenant
	Window     string // once, day, week
}

// Definition is one catalog entry. For Executing intents exactly one of
// EventType (class A) or ActionKey (class B) is set; the Verify pass
// enforces this.
type Definition struct {
	Key         string
	Description string
	Automation  Automation
	EventType   string
	ActionKey   string
	Params      []Field
	Response    string // response schema name, mandatory for Query intents
	WorkItem    *WorkItemTemplate

	// Parse converts collected raw parameters into this intent's typed
	// parameter struct, validating shape and field formats.
	Parse func(params map[string]string) (any, error)
}

// MissingRequired returns required parameter names absent or empty in
// params, in declaration order.
func (d Definition) MissingRequired(params map[string]string) []string {
	var missing []string
	for _, f := range d.Params {
		if f.Required && params[f.Name] == "" {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Executable reports whether the intent may produce a Plan.
func (d Definition) Executable() bool {
	return d.Automation == Executing || d.Automation == Advisory
}

// mappingKey is the key execution handlers are registered under: the
// event type for class A intents, the action key for class B.
func (d Definition) mappingKey() string {
	if d.EventType != "" {
		return d.EventType
	}
	return d.ActionKey
}

// Catalog is an immutable lookup table of intent definitions.
type Catalog struct {
	defs map[string]Definition
}

// NewCatalog builds a catalog from definitions. It does not verify;
// callers run Verify before serving traffic.
func NewCatalog(defs []Definition) *Catalog {
	m := make(map[string]Definition, len(defs))
	for _, d := range defs {
		m[d.Key] = d
	}
	return &Catalog{defs: m}
}

// Lookup returns the definition for key.
func (c *Catalog) Lookup(key string) (Definition, bool) {
	d, ok := c.defs[key]
	return d, ok
}

// Keys returns all intent keys in sorted order.
func (c *Catalog) Keys() []string {
	out := make([]string, 0, len(c.defs))
	for k := range c.defs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
