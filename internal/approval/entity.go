package approval

import "time"

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeApproved  Outcome = "approved"
	OutcomeDenied    Outcome = "denied"
	OutcomeCancelled Outcome = "cancelled"
)

const (
	ActorReviewer = "reviewer"
	ActorRule     = "rule"
	ActorSystem   = "system"
)

// Request is the pending human decision for one gated tool call.
type Request struct {
	ID         string     `yaml:"id" json:"id"`
	CallID     string     `yaml:"call_id" json:"call_id"`
	TaskID     string     `yaml:"task_id" json:"task_id"`
	Tool       string     `yaml:"tool" json:"tool"`
	Summary    string     `yaml:"summary" json:"summary"`
	Input      string     `yaml:"input" json:"input"`
	CreatedAt  time.Time  `yaml:"created_at" json:"created_at"`
	Resolved   bool       `yaml:"resolved" json:"resolved"`
	Approved   *bool      `yaml:"approved,omitempty" json:"approved,omitempty"`
	Outcome    Outcome    `yaml:"outcome" json:"outcome"`
	ResolvedBy string     `yaml:"resolved_by,omitempty" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `yaml:"resolved_at,omitempty" json:"resolved_at,omitempty"`
}

func (r *Request) clone() *Request {
	c := *r
	if r.Approved != nil {
		v := *r.Approved
		c.Approved = &v
	}
	if r.ResolvedAt != nil {
		v := *r.ResolvedAt
		c.ResolvedAt = &v
	}
	return &c
}

func (r *Request) resolve(outcome Outcome, actor string, at time.Time) {
	r.Resolved = true
	r.Outcome = outcome
	r.ResolvedBy = actor
	r.ResolvedAt = &at
	switch outcome {
	case OutcomeApproved:
		v := true
		r.Approved = &v
	case OutcomeDenied:
		v := false
		r.Approved = &v
	}
}

type OpenRequest struct {
	CallID  string
	TaskID  string
	Tool    string
	Summary string
	Input   string
}
