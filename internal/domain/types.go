package domain

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a subscription plan. Tiers are ordered FREE < HOBBY < PRO.
type Tier string

const (
	TierFree  Tier = "FREE"
	TierHobby Tier = "HOBBY"
	TierPro   Tier = "PRO"
)

// Rank orders tiers; a lower rank is a cheaper plan.
func (t Tier) Rank() int {
	switch t {
	case TierHobby:
		return 1
	case TierPro:
		return 2
	default:
		return 0
	}
}

func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, nil
	case TierHobby:
		return TierHobby, nil
	case TierPro:
		return TierPro, nil
	}
	return "", &ValidationError{Field: "plan", Reason: fmt.Sprintf("unknown plan %q", s)}
}

type Owner struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Plan      Tier      `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Job struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           *string           `json:"body,omitempty"`
	Schedule       string            `json:"schedule"`
	Timezone       string            `json:"timezone"`
	Enabled        bool              `json:"enabled"`
	NextRunAt      *time.Time        `json:"next_run_at"`
	LastRunAt      *time.Time        `json:"last_run_at"`
	ExecutionCount int64             `json:"execution_count"`
	FailureCount   int64             `json:"failure_count"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// ExecutionRecord is one HTTP invocation of a job. Records are never updated;
// JobID becomes nil once the job is deleted.
type ExecutionRecord struct {
	ID              string            `json:"id"`
	JobID           *string           `json:"job_id"`
	OwnerID         string            `json:"owner_id"`
	URL             string            `json:"url"`
	Method          string            `json:"method"`
	Status          int               `json:"status"`
	ResponseHeaders map[string]string `json:"response_headers"`
	ResponseBody    string            `json:"response_body"`
	DurationMS      int64             `json:"duration_ms"`
	Success         bool              `json:"success"`
	TimedOut        bool              `json:"timed_out"`
	Trigger         Trigger           `json:"trigger"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
}

type Scope string

const (
	ScopeReadJobs  Scope = "read:jobs"
	ScopeWriteJobs Scope = "write:jobs"
	ScopeReadLogs  Scope = "read:logs"
	ScopeWriteLogs Scope = "write:logs"
	ScopeReadKeys  Scope = "read:keys"
	ScopeWriteKeys Scope = "write:keys"
)

var AllScopes = []Scope{ScopeReadJobs, ScopeWriteJobs, ScopeReadLogs, ScopeWriteLogs, ScopeReadKeys, ScopeWriteKeys}

// ParseScopes validates a requested scope set and removes duplicates.
func ParseScopes(raw []string) ([]Scope, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "scopes", Reason: "at least one scope is required"}
	}
	seen := make(map[Scope]bool, len(raw))
	out := make([]Scope, 0, len(raw))
	for _, r := range raw {
		s := Scope(strings.TrimSpace(r))
		if !s.Valid() {
			return nil, &ValidationError{Field: "scopes", Reason: fmt.Sprintf("unknown scope %q", r)}
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out, nil
}

func (s Scope) Valid() bool {
	for _, known := range AllScopes {
		if s == known {
			return true
		}
	}
	return false
}

type APIKey struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"-"`
	Scopes     []Scope    `json:"scopes"`
	Enabled    bool       `json:"enabled"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CallCount  int64      `json:"call_count"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type MonthlyUsage struct {
	OwnerID      string `json:"owner_id"`
	Year         int    `json:"year"`
	Month        int    `json:"month"`
	Executions   int64  `json:"executions"`
	APICalls     int64  `json:"api_calls"`
	BilledMicros int64  `json:"billed_micros"`
}

type DailyUsage struct {
	OwnerID    string `json:"owner_id"`
	Date       string `json:"date"`
	Executions int64  `json:"executions"`
	APICalls   int64  `json:"api_calls"`
	PeakJobs   int64  `json:"peak_jobs"`
	PeakKeys   int64  `json:"peak_keys"`
}

type Resource string

const (
	ResourceJob Resource = "job"
	ResourceKey Resource = "key"
)

type Action string

const (
	ActionCreated Action = "created"
	ActionDeleted Action = "deleted"
)

type ResourceEvent struct {
	OwnerID    string
	Resource   Resource
	ResourceID string
	Action     Action
	At         time.Time
}

type APICall struct {
	OwnerID string
	KeyID   string
	Method  string
	Path    string
	At      time.Time
}
