package core

import (
	"sync"
	"time"

	"github.com/rafabd1/Nettle/internal/networking"
)

// StepName identifies a stage of the login flow.
type StepName string

const (
	StepFetchStatus          StepName = "FETCH_STATUS"
	StepResolveCSRF          StepName = "RESOLVE_CSRF"
	StepDefaultPasswordCheck StepName = "DEFAULT_PASSWORD_CHECK"
	StepAttemptLogin         StepName = "ATTEMPT_LOGIN"
	StepVerifyAccess         StepName = "VERIFY_ACCESS"
)

// StepStatus is how a step ended.
type StepStatus string

const (
	StatusSuccess       StepStatus = "success"
	StatusFailed        StepStatus = "failed"
	StatusError         StepStatus = "error" // network failure, no HTTP status
	StatusNotFound      StepStatus = "not-found"
	StatusSkipped       StepStatus = "skipped"
	StatusNotApplicable StepStatus = "not-applicable"
	StatusInfo          StepStatus = "info"
)

// StepOutcome is one entry of the run's step list.
type StepOutcome struct {
	Name       StepName             `json:"name" yaml:"name"`
	Status     StepStatus           `json:"status" yaml:"status"`
	Success    bool                 `json:"success" yaml:"success"`
	Detail     string               `json:"detail" yaml:"detail"`
	HTTPStatus int                  `json:"http_status,omitempty" yaml:"http_status,omitempty"`
	ErrorKind  networking.ErrorKind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Elapsed    time.Duration        `json:"elapsed_ns,omitempty" yaml:"elapsed,omitempty"`
	Throttled  bool                 `json:"throttled,omitempty" yaml:"throttled,omitempty"` // waited out a 429 standby
}

// AccessClassification is the result of the admin resource verification.
type AccessClassification string

const (
	AccessConfirmed    AccessClassification = "confirmed"
	AccessUnauthorized AccessClassification = "unauthorized"
	AccessForbidden    AccessClassification = "forbidden"
	AccessUnexpected   AccessClassification = "unexpected"
	AccessError        AccessClassification = "error"
	AccessSkipped      AccessClassification = "skipped"
	AccessUnknown      AccessClassification = "unknown"
)

// RunSummary is everything a run found. It is what the reporter renders.
type RunSummary struct {
	RunID      string    `json:"run_id" yaml:"run_id"`
	Target     string    `json:"target" yaml:"target"`
	Username   string    `json:"username" yaml:"username"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`

	Steps []StepOutcome `json:"steps" yaml:"steps"`
	CSRF  CsrfToken     `json:"csrf_token" yaml:"csrf_token"`

	StatusReachable            Tristate             `json:"status_reachable" yaml:"status_reachable"`
	LocalAuthDisabled          Tristate             `json:"local_auth_disabled" yaml:"local_auth_disabled"`
	CredentialChecksApplicable Tristate             `json:"credential_checks_applicable" yaml:"credential_checks_applicable"`
	DefaultPasswordSignal      Tristate             `json:"default_password_signal" yaml:"default_password_signal"`
	LoginSucceeded             Tristate             `json:"login_succeeded" yaml:"login_succeeded"`
	AdminAccessConfirmed       Tristate             `json:"admin_access_confirmed" yaml:"admin_access_confirmed"`
	AdminAccess                AccessClassification `json:"admin_access" yaml:"admin_access"`
	SessionCookies             []networking.Cookie  `json:"session_cookies,omitempty" yaml:"session_cookies,omitempty"`
	Notes                      []string             `json:"notes,omitempty" yaml:"notes,omitempty"`

	CacheFindings []CacheFinding `json:"cache_findings" yaml:"cache_findings"`

	OverallRisk  RiskLevel        `json:"overall_risk" yaml:"overall_risk"`
	Remediations []string         `json:"remediations" yaml:"remediations"`
	Stats        networking.Stats `json:"stats" yaml:"stats"`
	Interrupted  bool             `json:"interrupted" yaml:"interrupted"`
}

// Step returns the outcome recorded for name, if any.
func (s *RunSummary) Step(name StepName) (StepOutcome, bool) {
	for _, st := range s.Steps {
		if st.Name == name {
			return st, true
		}
	}
	return StepOutcome{}, false
}

// RunState builds a RunSummary incrementally. It is safe for concurrent use and
// a snapshot can be taken at any time, so an interrupted run still has a report.
type RunState struct {
	mu      sync.Mutex
	summary RunSummary
}

// NewRunState starts a summary with every unresolved field marked unknown.
func NewRunState(runID, target, username string) *RunState {
	return &RunState{summary: RunSummary{
		RunID:       runID,
		Target:      target,
		Username:    username,
		StartedAt:   time.Now().UTC(),
		CSRF:        CsrfToken{Source: SourceNone},
		AdminAccess: AccessUnknown,
	}}
}

// AddStep appends a step outcome.
func (s *RunState) AddStep(step StepOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Steps = append(s.summary.Steps, step)
}

// Update applies fn to the summary under the lock.
func (s *RunState) Update(fn func(*RunSummary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.summary)
}

// AddNote records a free-text observation, skipping duplicates.
func (s *RunState) AddNote(note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.summary.Notes {
		if n == note {
			return
		}
	}
	s.summary.Notes = append(s.summary.Notes, note)
}

// SetCacheFindings stores the analyzer's findings, keeping their order.
func (s *RunState) SetCacheFindings(findings []CacheFinding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.CacheFindings = cloneFindings(findings)
}

// MarkInterrupted flags the summary as partial.
func (s *RunState) MarkInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Interrupted = true
}

// Finish stamps the end of the run and records the wire statistics.
func (s *RunState) Finish(stats networking.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.FinishedAt = time.Now().UTC()
	s.summary.Stats = stats
}

// Snapshot returns a deep copy of the summary as it is now.
func (s *RunState) Snapshot() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.summary
	out.Steps = cloneSlice(s.summary.Steps)
	out.SessionCookies = cloneSlice(s.summary.SessionCookies)
	out.Notes = cloneSlice(s.summary.Notes)
	out.Remediations = cloneSlice(s.summary.Remediations)
	out.CacheFindings = cloneFindings(s.summary.CacheFindings)
	return out
}

// cloneSlice copies in. The result is never nil, so empty lists render as [] rather than null.
func cloneSlice[T any](in []T) []T {
	out := make([]T, len(in))
	copy(out, in)
	return out
}

func cloneFindings(in []CacheFinding) []CacheFinding {
	out := make([]CacheFinding, len(in))
	for i, f := range in {
		f.Headers = cloneSlice(f.Headers)
		f.Vulnerabilities = cloneSlice(f.Vulnerabilities)
		f.Cookies = cloneSlice(f.Cookies)
		f.SensitiveFields = cloneSlice(f.SensitiveFields)
		if f.Conditional != nil {
			c := *f.Conditional
			f.Conditional = &c
		}
		if f.CrossSession != nil {
			c := *f.CrossSession
			f.CrossSession = &c
		}
		out[i] = f
	}
	return out
}
