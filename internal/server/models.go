package server

import "time"

// HTTPError is the JSON shape of every error response.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}

type SessionResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type TurnRequest struct {
	Content string `json:"content"`
}

type TurnResponse struct {
	Terminal string       `json:"terminal"`
	Reply    string       `json:"reply"`
	Trace    []TraceEntry `json:"trace,omitempty"`
}

type TraceEntry struct {
	Node      string    `json:"node"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type RefineRequest struct {
	Instruction string `json:"instruction"`
}

type StateResponse struct {
	Persona    string            `json:"persona"`
	PlanSteps  []PlanStep        `json:"plan_steps,omitempty"`
	Cursor     int               `json:"cursor"`
	Gaps       map[string]string `json:"gaps,omitempty"`
	Iterations int               `json:"iterations"`
	Trace      []TraceEntry      `json:"trace,omitempty"`
	HasReport  bool              `json:"has_report"`
}

type PlanStep struct {
	ID        string `json:"id"`
	Target    string `json:"target"`
	StartTier string `json:"start_tier"`
}

type WatchRequest struct {
	Query    string `json:"query"`
	CronSpec string `json:"cron_spec"`
}

type WatchResponse struct {
	ID        string     `json:"id"`
	Query     string     `json:"query"`
	CronSpec  string     `json:"cron_spec"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
