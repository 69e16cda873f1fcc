// Package action holds the closed catalogs of domain action keys and
// policy event types. New entries are added here, in source, never at
// runtime.
package action

import (
	"fmt"
	"sort"
)

// Domain action keys (execution class B).
const (
	MemberRegister      = "member.register"
	MemberUpdateContact = "member.update_contact"
)

// Policy event types (execution class A).
const (
	EventMemberPaused     = "member.paused"
	EventMemberResumed    = "member.resumed"
	EventMemberDischarged = "member.discharged"
)

var actionKeys = map[string]struct{}{
	MemberRegister:      {},
	MemberUpdateContact: {},
}

var eventTypes = map[string]struct{}{
	EventMemberPaused:     {},
	EventMemberResumed:    {},
	EventMemberDischarged: {},
}

// AssertValidKey fails for any action key outside the fixed catalog.
// Callers treat the error as fatal: at startup it aborts the process,
// at execution time it fails the operation closed.
func AssertValidKey(key string) error {
	if _, ok := actionKeys[key]; !ok {
		return fmt.Errorf("action key %q not in domain action catalog", key)
	}
	return nil
}

// ValidEventType reports membership in the policy event-type catalog.
func ValidEventType(eventType string) bool {
	_, ok := eventTypes[eventType]
	return ok
}

// Keys returns the sorted action-key catalog, for diagnostics.
func Keys() []string {
	out := make([]string, 0, len(actionKeys))
	for k := range actionKeys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// EventTypes returns the sorted event-type catalog, for diagnostics.
func EventTypes() []string {
	out := make([]string, 0, len(eventTypes))
	for k := range eventTypes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
