package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultCommandTimeout bounds one external processor invocation.
const DefaultCommandTimeout = 2 * time.Minute

// Command runs an external document processor. The file path is appended to
// Args and the processor must print a JSON object with text_content, tables
// and images to stdout.
type Command struct {
	Path    string
	Args    []string
	Timeout time.Duration
	// Extensions limits the command to these lower-cased extensions; empty
	// means every file is handed to it.
	Extensions []string
}

type commandOutput struct {
	TextContent string           `json:"text_content"`
	Tables      []map[string]any `json:"tables"`
	Images      []map[string]any `json:"images"`
	Notes       []string         `json:"notes"`
}

func (c Command) Process(ctx context.Context, path string, opts Options) (Result, error) {
	if c.Path == "" {
		return Result{}, errors.New("document processor command is empty")
	}
	if !c.handles(path) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, c.Args...), path)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	cmd.Env = append(os.Environ(), commandEnv(opts)...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Result{}, fmt.Errorf("timed out after %s", timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%v: %s", err, msg)
	}

	var out commandOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Result{}, fmt.Errorf("decode processor output: %w", err)
	}
	return Result{
		Text:   out.TextContent,
		Tables: out.Tables,
		Images: out.Images,
		Notes:  out.Notes,
	}, nil
}

func (c Command) handles(path string) bool {
	if len(c.Extensions) == 0 {
		return true
	}
	lower := strings.ToLower(path)
	for _, ext := range c.Extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

func commandEnv(opts Options) []string {
	var env []string
	if opts.PageLimit > 0 {
		env = append(env,
			"MAX_DOCUMENT_PAGES="+strconv.Itoa(opts.PageLimit),
			"DISABLE_PAGE_LIMIT=false",
		)
	}
	vision := "0"
	if opts.VisionDescriptions {
		vision = "50"
	}
	return append(env, "MAX_VISION_CALLS_PER_PAGE="+vision)
}
