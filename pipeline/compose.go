package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dhcgn/mail2mail/model"
	"github.com/dhcgn/mail2mail/routing"
)

const (
	NoSubject  = "(no subject)"
	RawEMLName = "original.eml"
)

// Subject picks the proposed subject, then the original one, and applies
// prefix unless the subject already starts with it.
func Subject(proposed, original string, prefix *string) string {
	subject := strings.TrimSpace(proposed)
	if subject == "" {
		subject = strings.TrimSpace(original)
	}
	if subject == "" {
		subject = NoSubject
	}
	if prefix == nil {
		return subject
	}
	p := strings.TrimSpace(*prefix)
	if p == "" || strings.HasPrefix(subject, p) {
		return subject
	}
	return p + " " + subject
}

// SummaryBody is the body used when the decider proposes none.
func SummaryBody(cls model.Classification, n model.NormalizedMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Category: %s\n", cls.Category)
	fmt.Fprintf(&sb, "Importance: %s\n", cls.Importance)
	if cls.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", cls.Reason)
	}
	for _, name := range []string{"From", "Subject", "Date"} {
		if v := n.Headers.Get(name); v != "" {
			fmt.Fprintf(&sb, "Original %s: %s\n", strings.ToLower(name), v)
		}
	}
	if body := BodyText(n); body != "" {
		sb.WriteString("\n")
		sb.WriteString(body)
		sb.WriteString("\n")
	}
	return sb.String()
}

// SelectAttachments resolves the proposed paths against what was saved. A
// proposal may name a stored path, a stored file name or the original
// filename. Anything else is reported as unknown and never attached. An
// empty proposal selects every saved attachment.
func SelectAttachments(proposed []string, saved []model.SavedAttachment) (paths, unknown []string) {
	paths = []string{}
	if len(proposed) == 0 {
		for _, s := range saved {
			paths = append(paths, s.StoredPath)
		}
		return paths, nil
	}

	seen := make(map[string]struct{})
	for _, want := range proposed {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		match := ""
		for _, s := range saved {
			if want == s.StoredPath || want == filepath.Base(s.StoredPath) || want == s.SourceFilename {
				match = s.StoredPath
				break
			}
		}
		if match == "" {
			unknown = append(unknown, want)
			continue
		}
		if _, ok := seen[match]; ok {
			continue
		}
		seen[match] = struct{}{}
		paths = append(paths, match)
	}
	return paths, unknown
}

func (p *Pipeline) compose(n model.NormalizedMessage, raw []byte, saved []model.SavedAttachment, cls model.Classification, route routing.Route, dir string, res *Result) *model.Compose {
	proposal := cls.Compose
	if proposal == nil {
		proposal = &model.Compose{}
	}

	out := &model.Compose{
		To:      append([]string{}, route.To...),
		Subject: Subject(proposal.Subject, n.Headers.Get("Subject"), route.SubjectPrefix),
	}

	out.BodyText = proposal.BodyText
	if strings.TrimSpace(out.BodyText) == "" {
		out.BodyText = SummaryBody(cls, n)
	}

	paths, unknown := SelectAttachments(proposal.AttachPaths, saved)
	for _, u := range unknown {
		res.note("compose: attachment not available: %s", u)
	}
	out.AttachPaths = paths

	if proposal.IncludeRawEML {
		if !p.opts.AllowRawEML {
			res.note("compose: include_raw_eml ignored, raw message attachments are disabled")
		} else {
			path := filepath.Join(dir, RawEMLName)
			if err := os.WriteFile(path, raw, 0o600); err != nil {
				res.note("compose: could not store original message: %v", err)
			} else {
				out.AttachPaths = append(out.AttachPaths, path)
				out.IncludeRawEML = true
			}
		}
	}

	return out
}
