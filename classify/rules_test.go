package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail2mail/model"
)

func testRules(t *testing.T) *RulesDecider {
	t.Helper()
	d, err := NewRulesDecider(RulesConfig{
		SpamPatterns: []string{`(?i)you have won`, `(?i)crypto giveaway`},
		Categories: []CategoryRule{
			{Name: "invoices", Patterns: []string{`(?i)invoice`, `(?i)rechnung`}},
			{Name: "support", Patterns: []string{`(?i)printer`, `(?i)broken`}},
		},
		UrgentPatterns: []string{`(?i)\burgent\b`},
		HighPatterns:   []string{`(?i)overdue`},
		LowPatterns:    []string{`(?i)newsletter`},
	})
	require.NoError(t, err)
	return d
}

func TestRulesDecider(t *testing.T) {
	d := testRules(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		text       string
		meta       Metadata
		spam       bool
		category   string
		importance model.Importance
	}{
		{"support", "The printer is broken", Metadata{Subject: "help"}, false, "support", model.ImportanceNormal},
		{"first category wins", "invoice for the broken printer", Metadata{}, false, "invoices", model.ImportanceNormal},
		{"subject counts", "see attachment", Metadata{Subject: "Rechnung 42 overdue"}, false, "invoices", model.ImportanceHigh},
		{"urgent", "URGENT: printer", Metadata{}, false, "support", model.ImportanceUrgent},
		{"spam", "You have WON a prize", Metadata{}, true, DefaultCategory, model.ImportanceNormal},
		{"bulk header", "monthly update", Metadata{Headers: model.Headers{{Name: "List-Unsubscribe", Value: "<mailto:x@example.com>"}}}, false, DefaultCategory, model.ImportanceLow},
		{"fallback", "hello", Metadata{From: "a@example.com"}, false, DefaultCategory, model.ImportanceNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := d.Decide(ctx, tt.text, tt.meta)
			require.NoError(t, err)
			assert.Equal(t, tt.spam, c.IsSpam)
			assert.Equal(t, tt.category, c.Category)
			assert.Equal(t, tt.importance, c.Importance)
			assert.NotEmpty(t, c.Reason)
			assert.Nil(t, c.Compose)
			if tt.spam {
				assert.Equal(t, model.StatusSpam, c.Status)
			} else {
				assert.Equal(t, model.StatusReadyToSend, c.Status)
			}
		})
	}
}

func TestRulesDeciderSender(t *testing.T) {
	c, err := testRules(t).Decide(context.Background(), "hi", Metadata{From: " Alice <alice@example.com> "})
	require.NoError(t, err)
	require.NotNil(t, c.Entities.Sender)
	assert.Equal(t, "Alice <alice@example.com>", *c.Entities.Sender)
}

func TestNewRulesDeciderErrors(t *testing.T) {
	_, err := NewRulesDecider(RulesConfig{SpamPatterns: []string{"("}})
	require.Error(t, err)
	_, err = NewRulesDecider(RulesConfig{Categories: []CategoryRule{{Name: " "}}})
	require.Error(t, err)

	d, err := NewRulesDecider(RulesConfig{DefaultCategory: "inbox"})
	require.NoError(t, err)
	c, err := d.Decide(context.Background(), "x", Metadata{})
	require.NoError(t, err)
	assert.Equal(t, "inbox", c.Category)
}
