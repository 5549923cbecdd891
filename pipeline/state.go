package pipeline

import (
	"fmt"

	"github.com/dhcgn/mail2mail/dispatch"
	"github.com/dhcgn/mail2mail/metrics"
	"github.com/dhcgn/mail2mail/model"
)

// State is a step of one pipeline run.
type State string

const (
	StateFetched          State = "fetched"
	StateAttachmentsSaved State = "attachments_saved"
	StateEnriched         State = "enriched"
	StateClassified       State = "classified"
	StateSpamTerminal     State = "spam_terminal"
	StateRouted           State = "routed"
	StateComposed         State = "composed"
	StateDispatched       State = "dispatched"
	StateCleanedUp        State = "cleaned_up"
	StateFailed           State = "failed"
)

// Error reports the state a run failed to reach.
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is everything one run produced. It is returned on every exit path,
// including failures, and then carries the partial notes.
type Result struct {
	RunID         string               `json:"run_id"`
	Source        string               `json:"source,omitempty"`
	Decision      *model.EmailDecision `json:"decision"`
	Trace         []State              `json:"trace"`
	SentMessageID string               `json:"sent_message_id,omitempty"`
	WorkDir       string               `json:"work_dir"`
	Cleaned       bool                 `json:"cleaned"`
	Notes         []string             `json:"notes"`
	Error         string               `json:"error,omitempty"`

	routingMiss bool
}

// Outcome classifies the run for metrics and statistics.
func (r *Result) Outcome() string {
	switch {
	case r.Decision == nil:
		return metrics.OutcomeFailed
	case r.Decision.Status == model.StatusSpam:
		return metrics.OutcomeSpam
	case r.routingMiss:
		return metrics.OutcomeRoutingMiss
	case dispatch.IsSynthetic(r.SentMessageID):
		return metrics.OutcomeSynthetic
	case r.SentMessageID != "":
		return metrics.OutcomeDispatched
	}
	return metrics.OutcomeFailed
}

// Reached reports whether the run passed through s.
func (r *Result) Reached(s State) bool {
	for _, t := range r.Trace {
		if t == s {
			return true
		}
	}
	return false
}

func (r *Result) note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

func (r *Result) enter(s State) {
	r.Trace = append(r.Trace, s)
}
