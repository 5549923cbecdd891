package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail2mail/filter"
	"github.com/dhcgn/mail2mail/mbox"
	"github.com/dhcgn/mail2mail/parser"
	"github.com/dhcgn/mail2mail/stats"
)

var trackedHeaders = []string{"Delivered-To", "From", "To", "Subject"}

type inspectOptions struct {
	top          int
	reportDir    string
	denyPatterns []string
	filters      filter.Options
}

// NewInspectCommand returns the inspect subcommand. It never fetches from a
// server, writes into a mailbox or sends mail.
func NewInspectCommand() *cobra.Command {
	var opts inspectOptions

	cmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Normalize an .eml file or every message of an .mbox archive and print what the pipeline would see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.OutOrStdout(), args[0], opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.top, "top", "t", 10, "Number of top items to display for archives")
	flags.StringVarP(&opts.reportDir, "output", "o", "", "Write CSV reports for archives into this directory")
	flags.StringArrayVar(&opts.denyPatterns, "deny-pattern", nil, "Additional attachment filename regex to refuse")
	flags.StringArrayVar(&opts.filters.IncludeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.filters.IncludeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&opts.filters.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArrayVar(&opts.filters.ExcludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	return cmd
}

func runInspect(w io.Writer, path string, opts inspectOptions) error {
	denylist, err := filter.NewDenylist(opts.denyPatterns)
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(path), ".mbox") {
		return inspectArchive(w, path, opts, denylist)
	}
	if opts.filters.Active() {
		return fmt.Errorf("include and exclude flags only apply to .mbox archives")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read message: %w", err)
	}
	msg, err := parser.Parse(raw)
	if err != nil {
		return err
	}
	printMessage(w, msg, denylist)
	return nil
}

func printMessage(w io.Writer, msg *parser.Message, denylist *filter.Denylist) {
	n := msg.Normalized
	for _, name := range []string{"From", "To", "Cc", "Subject", "Date", "Message-ID"} {
		if v := n.Headers.Get(name); v != "" {
			fmt.Fprintf(w, "%s: %s\n", name, v)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Plain text body: %s\n", bodySize(n.TextPlain))
	fmt.Fprintf(w, "HTML body: %s\n", bodySize(n.TextHTML))

	if len(n.Links) > 0 {
		fmt.Fprintf(w, "\nLinks (%d):\n", len(n.Links))
		for _, link := range n.Links {
			fmt.Fprintf(w, "  %s\n", link)
		}
	}

	if len(msg.Attachments) > 0 {
		fmt.Fprintf(w, "\nAttachments (%d):\n", len(msg.Attachments))
		for _, part := range msg.Attachments {
			fmt.Fprintf(w, "  %s (%s, %d bytes): %s\n", part.Meta.Filename, part.Meta.MediaType, part.Meta.SizeBytes, verdict(part, denylist))
		}
	}

	if len(msg.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings:")
		for _, warning := range msg.Warnings {
			fmt.Fprintf(w, "  %s\n", warning)
		}
	}
}

func bodySize(body *string) string {
	if body == nil {
		return "none"
	}
	return fmt.Sprintf("%d characters", len([]rune(*body)))
}

func verdict(part parser.Part, denylist *filter.Denylist) string {
	switch {
	case denylist.Denied(part.Meta.Filename):
		return "denied"
	case part.Err != nil:
		return "not decodable"
	default:
		return "allowed"
	}
}

type archiveCounts struct {
	messages    int
	skipped     int
	unparsable  int
	attachments int
	denied      int
	links       int
	headers     map[string]map[string]int
}

func inspectArchive(w io.Writer, path string, opts inspectOptions, denylist *filter.Denylist) error {
	f, err := filter.New(opts.filters)
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	counts := archiveCounts{headers: make(map[string]map[string]int)}
	for _, h := range trackedHeaders {
		counts.headers[h] = make(map[string]int)
	}

	err = mbox.Read(path, func(m *mbox.MboxMessage) error {
		if !f.AllowsRaw(m.Raw) {
			counts.skipped++
			return nil
		}
		counts.messages++

		msg, err := parser.Parse(m.Raw)
		if err != nil {
			counts.unparsable++
			return nil
		}
		for _, h := range trackedHeaders {
			if v := msg.Normalized.Headers.Get(h); v != "" {
				counts.headers[h][v]++
			}
		}
		counts.links += len(msg.Normalized.Links)
		for _, part := range msg.Attachments {
			counts.attachments++
			if denylist.Denied(part.Meta.Filename) {
				counts.denied++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error reading mbox file: %w", err)
	}

	printArchive(w, counts, f.GetStats(), opts.top)

	if opts.reportDir != "" {
		if err := saveCSVReports(counts.headers, opts.reportDir, 1000); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Fprintf(w, "\nReports saved to directory: %s\n", opts.reportDir)
	}
	return nil
}

func printArchive(w io.Writer, counts archiveCounts, filterStats filter.Stats, top int) {
	total := counts.messages + counts.skipped
	var filterPercent float64
	if total > 0 {
		filterPercent = float64(counts.skipped) / float64(total) * 100
	}
	fmt.Fprintf(w, "Processed %d messages (skipped %d by filters, %.2f%%)\n", counts.messages, counts.skipped, filterPercent)
	if counts.unparsable > 0 {
		fmt.Fprintf(w, "Unparsable: %d\n", counts.unparsable)
	}
	fmt.Fprintf(w, "Attachments: %d (%d denied)\n", counts.attachments, counts.denied)
	fmt.Fprintf(w, "Links: %d\n\n", counts.links)

	if len(filterStats.Patterns) > 0 {
		fmt.Fprintln(w, "Filter hits:")
		printFilterHits(w, filterStats)
		fmt.Fprintln(w)
	}

	for _, header := range trackedHeaders {
		if len(counts.headers[header]) == 0 {
			continue
		}
		fmt.Fprintf(w, "Top %d %s:\n", top, header)
		stats.PrintTop(w, counts.headers[header], top)
		fmt.Fprintln(w)
	}
}

func printFilterHits(w io.Writer, s filter.Stats) {
	patterns := append([]string(nil), s.Patterns...)
	sort.SliceStable(patterns, func(i, j int) bool {
		if s.Hits[patterns[i]] != s.Hits[patterns[j]] {
			return s.Hits[patterns[i]] > s.Hits[patterns[j]]
		}
		return patterns[i] < patterns[j]
	})

	for _, p := range patterns {
		fmt.Fprintf(w, "  %s: %d hits\n", p, s.Hits[p])
	}
}

func saveCSVReports(counter map[string]map[string]int, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range trackedHeaders {
		if err := writeCSVReport(filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header))), counter[header], limit); err != nil {
			return err
		}
	}
	return nil
}

func writeCSVReport(path string, counts map[string]int, limit int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	type pair struct {
		Key   string
		Value int
	}
	pairs := make([]pair, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, pair{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for i := 0; i < limit && i < len(pairs); i++ {
		if err := writer.Write([]string{pairs[i].Key, strconv.Itoa(pairs[i].Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
