package classify

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dhcgn/mail2mail/filter"
	"github.com/dhcgn/mail2mail/model"
)

// DefaultCategory is used when no category rule matches.
const DefaultCategory = "general"

// CategoryRule assigns Name when any of its patterns matches.
type CategoryRule struct {
	Name     string   `yaml:"name" toml:"name"`
	Patterns []string `yaml:"patterns" toml:"patterns"`
}

// RulesConfig drives the offline RulesDecider. Patterns are Go regular
// expressions matched against the subject line followed by the analysis text.
type RulesConfig struct {
	SpamPatterns    []string       `yaml:"spam_patterns" toml:"spam_patterns"`
	Categories      []CategoryRule `yaml:"categories" toml:"categories"`
	UrgentPatterns  []string       `yaml:"urgent_patterns" toml:"urgent_patterns"`
	HighPatterns    []string       `yaml:"high_patterns" toml:"high_patterns"`
	LowPatterns     []string       `yaml:"low_patterns" toml:"low_patterns"`
	DefaultCategory string         `yaml:"default_category" toml:"default_category"`
}

type compiledCategory struct {
	name     string
	patterns []*regexp.Regexp
}

// RulesDecider classifies with regular expressions only. It never proposes
// a compose object; the pipeline synthesizes one.
type RulesDecider struct {
	spam       []*regexp.Regexp
	urgent     []*regexp.Regexp
	high       []*regexp.Regexp
	low        []*regexp.Regexp
	categories []compiledCategory
	fallback   string
}

func NewRulesDecider(cfg RulesConfig) (*RulesDecider, error) {
	d := &RulesDecider{fallback: strings.TrimSpace(cfg.DefaultCategory)}
	if d.fallback == "" {
		d.fallback = DefaultCategory
	}

	var err error
	if d.spam, err = filter.CompilePatterns(cfg.SpamPatterns); err != nil {
		return nil, fmt.Errorf("spam patterns: %w", err)
	}
	if d.urgent, err = filter.CompilePatterns(cfg.UrgentPatterns); err != nil {
		return nil, fmt.Errorf("urgent patterns: %w", err)
	}
	if d.high, err = filter.CompilePatterns(cfg.HighPatterns); err != nil {
		return nil, fmt.Errorf("high patterns: %w", err)
	}
	if d.low, err = filter.CompilePatterns(cfg.LowPatterns); err != nil {
		return nil, fmt.Errorf("low patterns: %w", err)
	}
	for _, rule := range cfg.Categories {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("category rule without name")
		}
		patterns, err := filter.CompilePatterns(rule.Patterns)
		if err != nil {
			return nil, fmt.Errorf("category %q: %w", name, err)
		}
		d.categories = append(d.categories, compiledCategory{name: name, patterns: patterns})
	}
	return d, nil
}

func (d *RulesDecider) Decide(ctx context.Context, analysisText string, meta Metadata) (model.Classification, error) {
	if err := ctx.Err(); err != nil {
		return model.Classification{}, err
	}

	text := meta.Subject + "\n" + analysisText
	c := model.Classification{
		Importance: model.ImportanceNormal,
		Category:   d.fallback,
		Entities:   entitiesFrom(meta),
	}

	if re := firstMatch(d.spam, text); re != nil {
		c.IsSpam = true
		c.Reason = fmt.Sprintf("matched spam pattern %q", re.String())
	}

	for _, cat := range d.categories {
		if re := firstMatch(cat.patterns, text); re != nil {
			c.Category = cat.name
			if !c.IsSpam {
				c.Reason = fmt.Sprintf("category %q matched %q", cat.name, re.String())
			}
			break
		}
	}
	if c.Reason == "" {
		c.Reason = "no category rule matched"
	}

	switch {
	case filter.MatchAny(d.urgent, text):
		c.Importance = model.ImportanceUrgent
	case filter.MatchAny(d.high, text):
		c.Importance = model.ImportanceHigh
	case filter.MatchAny(d.low, text) || isBulk(meta.Headers):
		c.Importance = model.ImportanceLow
	}

	if err := Validate(&c); err != nil {
		return model.Classification{}, err
	}
	return c, nil
}

func firstMatch(patterns []*regexp.Regexp, text string) *regexp.Regexp {
	for _, re := range patterns {
		if re.MatchString(text) {
			return re
		}
	}
	return nil
}

// isBulk reports mailing-list or automated traffic from its RFC headers.
func isBulk(h model.Headers) bool {
	if h.Get("List-Unsubscribe") != "" || h.Get("List-Id") != "" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(h.Get("Precedence"))) {
	case "bulk", "list", "junk":
		return true
	}
	auto := strings.ToLower(strings.TrimSpace(h.Get("Auto-Submitted")))
	return auto != "" && auto != "no"
}

func entitiesFrom(meta Metadata) model.Entities {
	var e model.Entities
	if from := strings.TrimSpace(meta.From); from != "" {
		e.Sender = &from
	}
	return e
}
