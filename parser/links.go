package parser

import (
	"regexp"
	"strings"
)

var linkPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// ExtractLinks returns the literal URLs found in texts, deduplicated in
// first-seen order. Links are only collected, never followed.
func ExtractLinks(texts ...string) []string {
	links := []string{}
	seen := make(map[string]struct{})
	for _, text := range texts {
		for _, match := range linkPattern.FindAllString(text, -1) {
			link := strings.TrimRight(match, ".,;:!?")
			if strings.HasSuffix(link, "://") {
				continue
			}
			if _, ok := seen[link]; ok {
				continue
			}
			seen[link] = struct{}{}
			links = append(links, link)
		}
	}
	return links
}
