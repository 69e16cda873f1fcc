package intent

import "careline/internal/action"

// Default returns the production catalog. Callers must run Verify once
// at startup before serving traffic.
func Default() *Catalog {
	return NewCatalog([]Definition{
		{
			Key:         "member.query.lookup",
			Description: "Look up a member by name, id or phone.",
			Automation:  Query,
			Response:    "member",
			Params: []Field{
				{Name: "query", Kind: "string", Required: true, Description: "name, id or phone fragment"},
			},
			Parse: parseLookup,
		},
		{
			Key:         "member.query.roster",
			Description: "List members, optionally filtered by status.",
			Automation:  Query,
			Response:    "member_list",
			Params: []Field{
				{Name: "status", Kind: "string", Description: "active, paused or discharged"},
			},
			Parse: parseRoster,
		},
		{
			Key:         "member.create.register",
			Description: "Register a new member.",
			Automation:  Executing,
			ActionKey:   action.MemberRegister,
			Params: []Field{
				{Name: "first_name", Kind: "string", Required: true},
				{Name: "last_name", Kind: "string"},
				{Name: "phone", Kind: "phone", Required: true},
				{Name: "birth_date", Kind: "date", Required: true},
			},
			WorkItem: &WorkItemTemplate{Trigger: "member_review", EntityType: "member", Window: "once"},
			Parse:    parseRegister,
		},
		{
			Key:         "member.update.contact",
			Description: "Update a member's contact phone.",
			Automation:  Executing,
			ActionKey:   action.MemberUpdateContact,
			Params: []Field{
				{Name: "member", Kind: "string", Required: true, Description: "member id or name"},
				{Name: "phone", Kind: "phone", Required: true},
			},
			WorkItem: &WorkItemTemplate{Trigger: "member_review", EntityType: "member", Window: "day"},
			Parse:    parseUpdateContact,
		},
		{
			Key:         "member.pause.schedule",
			Description: "Pause a member's participation from a given date.",
			Automation:  Executing,
			EventType:   action.EventMemberPaused,
			Params: []Field{
				{Name: "member", Kind: "string", Required: true, Description: "member id or name"},
				{Name: "date", Kind: "date", Required: true},
				{Name: "reason", Kind: "string"},
			},
			WorkItem: &WorkItemTemplate{Trigger: "policy_follow_up", EntityType: "member", Window: "day"},
			Parse:    parseSchedule,
		},
		{
			Key:         "member.resume.schedule",
			Description: "Resume a paused member from a given date.",
			Automation:  Executing,
			EventType:   action.EventMemberResumed,
			Params: []Field{
				{Name: "member", Kind: "string", Required: true, Description: "member id or name"},
				{Name: "date", Kind: "date", Required: true},
				{Name: "reason", Kind: "string"},
			},
			WorkItem: &WorkItemTemplate{Trigger: "policy_follow_up", EntityType: "member", Window: "day"},
			Parse:    parseSchedule,
		},
		{
			Key:         "member.discharge.schedule",
			Description: "Discharge a member from care on a given date.",
			Automation:  Executing,
			EventType:   action.EventMemberDischarged,
			Params: []Field{
				{Name: "member", Kind: "string", Required: true, Description: "member id or name"},
				{Name: "date", Kind: "date", Required: true},
				{Name: "reason", Kind: "string"},
			},
			WorkItem: &WorkItemTemplate{Trigger: "policy_follow_up", EntityType: "member", Window: "day"},
			Parse:    parseSchedule,
		},
		{
			Key:         "member.review.flag",
			Description: "Flag a member for staff review.",
			Automation:  Advisory,
			Params: []Field{
				{Name: "member", Kind: "string", Required: true, Description: "member id or name"},
				{Name: "note", Kind: "string"},
			},
			WorkItem: &WorkItemTemplate{Trigger: "member_review", EntityType: "member", Window: "week"},
			Parse:    parseReview,
		},
	})
}
