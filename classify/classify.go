// Package classify turns the analysis text of a message into a validated
// classification: spam flag, importance, category, entities and an optional
// compose proposal.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dhcgn/mail2mail/model"
)

var (
	// ErrSchemaViolation marks decider output that does not fit the
	// classification schema. It is fatal for the message.
	ErrSchemaViolation = errors.New("classification schema violation")
	// ErrUnavailable is returned when the decision engine cannot be reached
	// or answers with an error.
	ErrUnavailable = errors.New("classifier unavailable")
)

// Metadata is the structured context handed to a Decider next to the
// analysis text.
type Metadata struct {
	From        string                 `json:"from,omitempty"`
	To          string                 `json:"to,omitempty"`
	Subject     string                 `json:"subject,omitempty"`
	Date        string                 `json:"date,omitempty"`
	Headers     model.Headers          `json:"-"`
	Links       []string               `json:"links"`
	Attachments []model.AttachmentMeta `json:"attachments"`
	// SavedFiles are the stored names a compose proposal may refer to.
	SavedFiles []string `json:"saved_files"`
}

// Decider classifies one message.
type Decider interface {
	Decide(ctx context.Context, analysisText string, meta Metadata) (model.Classification, error)
}

// Validate checks c against the classification schema and fills Status when
// the decider left it empty.
func Validate(c *model.Classification) error {
	if c == nil {
		return fmt.Errorf("%w: empty classification", ErrSchemaViolation)
	}
	if !c.Importance.Valid() {
		return fmt.Errorf("%w: importance %q", ErrSchemaViolation, c.Importance)
	}
	c.Category = strings.TrimSpace(c.Category)
	if c.Category == "" {
		return fmt.Errorf("%w: category is empty", ErrSchemaViolation)
	}

	want := model.StatusReadyToSend
	if c.IsSpam {
		want = model.StatusSpam
	}
	switch c.Status {
	case "":
		c.Status = want
	case model.StatusSpam, model.StatusReadyToSend:
		if c.Status != want {
			return fmt.Errorf("%w: status %q contradicts is_spam=%t", ErrSchemaViolation, c.Status, c.IsSpam)
		}
	default:
		return fmt.Errorf("%w: status %q", ErrSchemaViolation, c.Status)
	}

	if c.Compose != nil && !c.IsSpam {
		for _, addr := range c.Compose.To {
			if strings.ContainsAny(addr, "\r\n") {
				return fmt.Errorf("%w: compose recipient contains a line break", ErrSchemaViolation)
			}
		}
	}
	return nil
}
