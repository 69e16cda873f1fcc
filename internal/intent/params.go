package intent

import (
	"fmt"
	"strings"
	"time"
)

// ParamError reports a malformed or missing parameter. It is always
// recoverable: the caller re-prompts the operator.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Field, e.Reason)
}

// Typed parameter structs, one per intent. Runtime schema objects are
// deliberately absent: the shape of every intent's parameters is a
// compile-time type.

type LookupParams struct {
	Query string
}

type RosterParams struct {
	Status string // optional filter
}

type RegisterParams struct {
	FirstName string
	LastName  string
	Phone     string
	BirthDate string
}

type UpdateContactParams struct {
	MemberRef string
	Phone     string
}

type ScheduleParams struct {
	MemberRef string
	Date      string
	Reason    string
}

type ReviewParams struct {
	MemberRef string
	Note      string
}

func requireField(params map[string]string, name string) (string, error) {
	v := strings.TrimSpace(params[name])
	if v == "" {
		return "", &ParamError{Field: name, Reason: "required"}
	}
	return v, nil
}

func dateField(params map[string]string, name string, required bool) (string, error) {
	v := strings.TrimSpace(params[name])
	if v == "" {
		if required {
			return "", &ParamError{Field: name, Reason: "required"}
		}
		return "", nil
	}
	if _, err := time.Parse("2006-01-02", v); err != nil {
		return "", &ParamError{Field: name, Reason: "must be a YYYY-MM-DD date"}
	}
	return v, nil
}

func phoneField(params map[string]string, name string, required bool) (string, error) {
	v := strings.TrimSpace(params[name])
	if v == "" {
		if required {
			return "", &ParamError{Field: name, Reason: "required"}
		}
		return "", nil
	}
	digits := 0
	for _, r := range v {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 7 {
		return "", &ParamError{Field: name, Reason: "must contain at least 7 digits"}
	}
	return v, nil
}

func parseLookup(params map[string]string) (any, error) {
	q, err := requireField(params, "query")
	if err != nil {
		return nil, err
	}
	return &LookupParams{Query: q}, nil
}

func parseRoster(params map[string]string) (any, error) {
	status := strings.TrimSpace(params["status"])
	switch status {
	case "", "active", "paused", "discharged":
	default:
		return nil, &ParamError{Field: "status", Reason: "must be active, paused or discharged"}
	}
	return &RosterParams{Status: status}, nil
}

func parseRegister(params map[string]string) (any, error) {
	first, err := requireField(params, "first_name")
	if err != nil {
		return nil, err
	}
	phone, err := phoneField(params, "phone", true)
	if err != nil {
		return nil, err
	}
	birth, err := dateField(params, "birth_date", true)
	if err != nil {
		return nil, err
	}
	return &RegisterParams{
		FirstName: first,
		LastName:  strings.TrimSpace(params["last_name"]),
		Phone:     phone,
		BirthDate: birth,
	}, nil
}

func parseUpdateContact(params map[string]string) (any, error) {
	ref, err := requireField(params, "member")
	if err != nil {
		return nil, err
	}
	phone, err := phoneField(params, "phone", true)
	if err != nil {
		return nil, err
	}
	return &UpdateContactParams{MemberRef: ref, Phone: phone}, nil
}

func parseSchedule(params map[string]string) (any, error) {
	ref, err := requireField(params, "member")
	if err != nil {
		return nil, err
	}
	date, err := dateField(params, "date", true)
	if err != nil {
		return nil, err
	}
	return &ScheduleParams{
		MemberRef: ref,
		Date:      date,
		Reason:    strings.TrimSpace(params["reason"]),
	}, nil
}

func parseReview(params map[string]string) (any, error) {
	ref, err := requireField(params, "member")
	if err != nil {
		return nil, err
	}
	return &ReviewParams{MemberRef: ref, Note: strings.TrimSpace(params["note"])}, nil
}
