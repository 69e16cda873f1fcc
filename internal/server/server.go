package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"careline/internal/dispatch"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/plan"
	"careline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Dispatcher *dispatch.Dispatcher
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_denied"`
	Message string         `json:"message" example:"policy member.paused not enabled for tenant"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the careline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Careline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAssistant(group, cfg.Dispatcher)
	registerAssistantStream(router, basePath, cfg.Dispatcher)
	registerIntents(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerDrafts(group, cfg.Engine)
	registerJobs(group, cfg.Engine)
	registerWorkItems(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var denied *engine.PolicyDeniedError
	if errors.As(err, &denied) {
		return newAPIError(http.StatusForbidden, "policy_denied", err.Error(), map[string]any{"policy_key": denied.PolicyKey})
	}
	var ambiguous *engine.AmbiguousDraftError
	if errors.As(err, &ambiguous) {
		ids := make([]string, 0, len(ambiguous.Candidates))
		for _, c := range ambiguous.Candidates {
			ids = append(ids, c.ID)
		}
		return newAPIError(http.StatusConflict, "ambiguous_draft", err.Error(), map[string]any{"draft_ids": ids})
	}
	var vErr *engine.ValidationError
	var pErr *plan.ParamsInvalidError
	if errors.As(err, &vErr) || errors.As(err, &pErr) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	if errors.Is(err, plan.ErrIntentNotFound) {
		return newAPIError(http.StatusNotFound, "unknown_intent", err.Error(), nil)
	}
	if errors.Is(err, plan.ErrIntentNotExecutable) {
		return newAPIError(http.StatusBadRequest, "not_executable", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrAmbiguous) {
		return newAPIError(http.StatusConflict, "ambiguous_member", err.Error(), nil)
	}
	var prio *engine.PriorityNotConfiguredError
	if errors.As(err, &prio) {
		return newAPIError(http.StatusInternalServerError, "priority_not_configured", err.Error(), map[string]any{"trigger": prio.Trigger})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerIntents(api huma.API, e engine.Engine) {
	type intentSummary struct {
		Key         string   `json:"key"`
		Description string   `json:"description"`
		Automation  string   `json:"automation"`
		Required    []string `json:"required,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "List catalog intents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Intents []intentSummary `json:"intents"`
		} `json:"body"`
	}, error) {
		if _, err := requirePrincipal(ctx); err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Intents []intentSummary `json:"intents"`
			} `json:"body"`
		}{}
		for _, key := range e.Catalog.Keys() {
			def, _ := e.Catalog.Lookup(key)
			s := intentSummary{Key: def.Key, Description: def.Description, Automation: string(def.Automation)}
			for _, f := range def.Params {
				if f.Required {
					s.Required = append(s.Required, f.Name)
				}
			}
			out.Body.Intents = append(out.Body.Intents, s)
		}
		return out, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	type memberList struct {
		Body struct {
			Members []domain.Member `json:"members"`
		} `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/members",
		Summary:     "List members",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,paused,discharged,"`
		Search string `query:"search"`
		Limit  int    `query:"limit"`
	}) (*memberList, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		members, err := e.Repo.ListMembers(ctx, p.TenantID, repo.MemberFilters{
			Status: input.Status,
			Search: input.Search,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &memberList{}
		out.Body.Members = members
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-member",
		Method:      http.MethodGet,
		Path:        "/members/{member_id}",
		Summary:     "Get a member",
	}, func(ctx context.Context, input *struct {
		MemberID string `path:"member_id"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.Repo.GetMember(ctx, p.TenantID, input.MemberID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/members",
		Summary:       "Add a member directly",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			FirstName string `json:"first_name" minLength:"1"`
			LastName  string `json:"last_name,omitempty"`
			Phone     string `json:"phone,omitempty"`
			BirthDate string `json:"birth_date,omitempty" format:"date"`
		} `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := e.AddMember(ctx, p.TenantID, engine.MemberAddOptions{
			FirstName: input.Body.FirstName,
			LastName:  input.Body.LastName,
			Phone:     input.Body.Phone,
			BirthDate: input.Body.BirthDate,
			ActorID:   p.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})
}

func registerDrafts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/drafts",
		Summary:     "List drafts",
	}, func(ctx context.Context, input *struct {
		SessionID string `query:"session_id"`
		Status    string `query:"status" enum:"collecting,ready,executed,cancelled,failed,"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body struct {
			Drafts []domain.Draft `json:"drafts"`
		} `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		drafts, err := e.Repo.ListDrafts(ctx, p.TenantID, repo.DraftFilters{
			SessionID: input.SessionID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Drafts []domain.Draft `json:"drafts"`
			} `json:"body"`
		}{}
		out.Body.Drafts = drafts
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/drafts/{draft_id}",
		Summary:     "Get a draft",
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.Repo.GetDraft(ctx, p.TenantID, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/cancel",
		Summary:     "Cancel a draft",
	}, func(ctx context.Context, input *struct {
		DraftID string `path:"draft_id"`
	}) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		d, err := e.CancelDraft(ctx, p.TenantID, input.DraftID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-draft",
		Method:      http.MethodPost,
		Path:        "/drafts/{draft_id}/confirm",
		Summary:     "Confirm a ready draft",
	}, func(ctx context.Context, input *struct {
		DraftID   string `path:"draft_id"`
		SessionID string `query:"session_id"`
	}) (*struct {
		Body struct {
			Draft domain.Draft `json:"draft"`
			Job   *domain.Job  `json:"job,omitempty"`
		} `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		d, job, err := e.ConfirmDraft(ctx, p.TenantID, input.SessionID, input.DraftID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Draft domain.Draft `json:"draft"`
				Job   *domain.Job  `json:"job,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Draft = d
		out.Body.Job = job
		return out, nil
	})
}

func registerJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,running,succeeded,partial,failed,"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body struct {
			Jobs []domain.Job `json:"jobs"`
		} `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		jobs, err := e.Repo.ListJobs(ctx, p.TenantID, repo.JobFilters{Status: input.Status, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Jobs []domain.Job `json:"jobs"`
			} `json:"body"`
		}{}
		out.Body.Jobs = jobs
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get a job",
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		j, err := e.Repo.GetJob(ctx, p.TenantID, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: j}, nil
	})
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/work-items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Trigger  string `query:"trigger"`
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body struct {
			WorkItems []domain.WorkItem `json:"work_items"`
		} `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWorkItems(ctx, p.TenantID, repo.WorkItemFilters{
			Trigger:  input.Trigger,
			EntityID: input.EntityID,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				WorkItems []domain.WorkItem `json:"work_items"`
			} `json:"body"`
		}{}
		out.Body.WorkItems = items
		return out, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policy settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Policies []domain.PolicySetting `json:"policies"`
		} `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		policies, err := e.Repo.ListPolicySettings(ctx, p.TenantID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Policies []domain.PolicySetting `json:"policies"`
			} `json:"body"`
		}{}
		out.Body.Policies = policies
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-policy",
		Method:      http.MethodPut,
		Path:        "/policies/{key}",
		Summary:     "Enable or disable a governed action",
	}, func(ctx context.Context, input *struct {
		Key  string `path:"key"`
		Body struct {
			Enabled bool `json:"enabled"`
		} `json:"body"`
	}) (*struct {
		Body domain.PolicySetting `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		setting, err := e.SetPolicy(ctx, p.TenantID, input.Key, input.Body.Enabled, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PolicySetting `json:"body"`
		}{Body: setting}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body struct {
			Events []domain.Event `json:"events"`
		} `json:"body"`
	}, error) {
		p, err := requirePrincipal(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		evts, err := e.Events.List(ctx, p.TenantID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Events []domain.Event `json:"events"`
			} `json:"body"`
		}{}
		out.Body.Events = evts
		return out, nil
	})
}
