package domain

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Member struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	FirstName string  `json:"first_name"`
	LastName  string  `json:"last_name,omitempty"`
	Phone     string  `json:"phone,omitempty"`
	BirthDate string  `json:"birth_date,omitempty" format:"date"`
	Status    string  `json:"status" enum:"active,paused,discharged"`
	StatusAt  *string `json:"status_at,omitempty" format:"date"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the member can no longer be mutated by
// scheduled status changes.
func (m Member) Terminal() bool {
	return m.Status == "discharged"
}

type Draft struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	SessionID   string  `json:"session_id"`
	IntentKey   string  `json:"intent_key"`
	Status      string  `json:"status" enum:"collecting,ready,executed,cancelled,failed"`
	ParamsJSON  string  `json:"params_json"`
	MissingJSON string  `json:"missing_json"`
	OutcomeJSON *string `json:"outcome_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Job struct {
	ID             string  `json:"id"`
	TenantID       string  `json:"tenant_id"`
	IntentKey      string  `json:"intent_key"`
	IdempotencyKey string  `json:"idempotency_key"`
	PlanJSON       string  `json:"plan_json"`
	Status         string  `json:"status" enum:"pending,running,succeeded,partial,failed"`
	Attempts       int     `json:"attempts"`
	MaxAttempts    int     `json:"max_attempts"`
	LastError      *string `json:"last_error,omitempty"`
	ResultJSON     *string `json:"result_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type WorkItem struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	DedupKey    string  `json:"dedup_key"`
	Trigger     string  `json:"trigger"`
	EntityType  string  `json:"entity_type"`
	EntityID    string  `json:"entity_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	ActionURL   string  `json:"action_url,omitempty"`
	Priority    string  `json:"priority" enum:"low,normal,high,urgent"`
	ExpiresAt   *string `json:"expires_at,omitempty" format:"date-time"`
	PlanJSON    string  `json:"plan_json"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type PolicySetting struct {
	TenantID  string `json:"tenant_id"`
	Key       string `json:"key"`
	Enabled   bool   `json:"enabled"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// HandlerResult is the uniform outcome of executing an intent, recorded
// on the Draft or Job row it concerns.
type HandlerResult struct {
	Status   string         `json:"status" enum:"success,partial,failed"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message"`
	Affected int            `json:"affected"`
	Payload  map[string]any `json:"payload,omitempty"`
}

const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

const (
	DraftCollecting = "collecting"
	DraftReady      = "ready"
	DraftExecuted   = "executed"
	DraftCancelled  = "cancelled"
	DraftFailed     = "failed"
)

const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobPartial   = "partial"
	JobFailed    = "failed"
)
