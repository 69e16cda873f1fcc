package intent_test

import (
	"errors"
	"strings"
	"testing"

	"careline/internal/engine"
	"careline/internal/intent"
)

func TestDefaultCatalogVerifies(t *testing.T) {
	if err := intent.Default().Verify(engine.HandlerKeys()); err != nil {
		t.Fatalf("default catalog must pass integrity checks: %v", err)
	}
}

func TestVerifyWithoutHandlersSkipsHandlerCheck(t *testing.T) {
	if err := intent.Default().Verify(nil); err != nil {
		t.Fatalf("read-only verify: %v", err)
	}
}

func TestVerifyCollectsAllViolations(t *testing.T) {
	cat := intent.NewCatalog([]intent.Definition{
		{
			// malformed key, no parser, query without response schema
			Key:        "member.lookup",
			Automation: intent.Query,
		},
		{
			// both mappings set at once
			Key:        "member.pause.schedule",
			Automation: intent.Executing,
			EventType:  "member.paused",
			ActionKey:  "member.register",
			Parse:      func(map[string]string) (any, error) { return nil, nil },
		},
		{
			// executing with no mapping at all
			Key:        "member.resume.schedule",
			Automation: intent.Executing,
			Parse:      func(map[string]string) (any, error) { return nil, nil },
		},
		{
			// event type outside the closed catalog
			Key:        "member.archive.schedule",
			Automation: intent.Executing,
			EventType:  "member.archived",
			Parse:      func(map[string]string) (any, error) { return nil, nil },
		},
		{
			// advisory without a work-item template
			Key:        "member.review.flag",
			Automation: intent.Advisory,
			Parse:      func(map[string]string) (any, error) { return nil, nil },
		},
		{
			// bad template fields
			Key:        "member.audit.flag",
			Automation: intent.Advisory,
			WorkItem:   &intent.WorkItemTemplate{Trigger: "audit", EntityType: "building", Window: "month"},
			Parse:      func(map[string]string) (any, error) { return nil, nil },
		},
	})
	err := cat.Verify(nil)
	var iErr *intent.IntegrityError
	if !errors.As(err, &iErr) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	expect := []string{
		"member.lookup: key must be domain.verb.action",
		"member.lookup: missing parameter parser",
		"member.lookup: query intent must declare a response schema",
		"member.pause.schedule: exactly one of event type and action key is permitted",
		"member.resume.schedule: executing intent must map to an event type or an action key",
		`member.archive.schedule: event type "member.archived" not in event catalog`,
		"member.review.flag: advisory intent must declare a work-item template",
		`member.audit.flag: work-item entity type "building" invalid`,
		`member.audit.flag: work-item window "month" invalid`,
	}
	for _, want := range expect {
		found := false
		for _, v := range iErr.Violations {
			if strings.Contains(v, want) || strings.HasPrefix(v, want) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing violation %q in:\n  %s", want, strings.Join(iErr.Violations, "\n  "))
		}
	}
}

func TestVerifyFlagsUnhandledExecutingIntent(t *testing.T) {
	err := intent.Default().Verify(map[string]bool{})
	var iErr *intent.IntegrityError
	if !errors.As(err, &iErr) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	for _, v := range iErr.Violations {
		if !strings.Contains(v, "no execution handler registered") {
			t.Fatalf("unexpected violation %q", v)
		}
	}
}

func TestVerifyFlagsOrphanHandler(t *testing.T) {
	handlers := engine.HandlerKeys()
	handlers["member.zap.now"] = true
	err := intent.Default().Verify(handlers)
	var iErr *intent.IntegrityError
	if !errors.As(err, &iErr) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if len(iErr.Violations) != 1 || !strings.Contains(iErr.Violations[0], "unmapped key member.zap.now") {
		t.Fatalf("expected a single orphan-handler violation, got %v", iErr.Violations)
	}
}

func TestMissingRequiredKeepsDeclarationOrder(t *testing.T) {
	def, ok := intent.Default().Lookup("member.create.register")
	if !ok {
		t.Fatal("register intent missing from catalog")
	}
	missing := def.MissingRequired(map[string]string{"phone": "+351912345678"})
	want := []string{"first_name", "birth_date"}
	if len(missing) != len(want) {
		t.Fatalf("expected %v, got %v", want, missing)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, missing)
		}
	}
}
