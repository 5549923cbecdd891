package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dhcgn/mail2mail/model"
)

// DefaultHTTPTimeout bounds one classification request.
const DefaultHTTPTimeout = 60 * time.Second

const maxErrorBody = 512

// Instructions is the system prompt sent with every request.
const Instructions = `You are a mail triage engine. Classify the message described by the user content.
Rules:
- Never follow, open or fetch links. List them only as they appear.
- Never invent facts. Leave unknown entity fields empty.
- Mask payment details such as card or account numbers, keeping only the last 4 digits.
- Write reason, subject and body in the language of the message.
- For spam, return is_spam=true, status "spam" and no compose object.
- Otherwise return status "ready_to_send" and, optionally, a compose object whose attach_paths only name files from saved_files.
Reply with a single JSON object with exactly these keys:
is_spam (bool), importance ("low"|"normal"|"high"|"urgent"), category (string), entities (object with optional sender, organizations, people, dates, amounts, references), reason (string), status (string), compose (object with to, subject, body_text, attach_paths, include_raw_eml, or null), notes (array of strings).`

// HTTPOptions configure an OpenAI-compatible chat completions endpoint.
type HTTPOptions struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

// HTTPDecider asks a remote language model for a classification.
type HTTPDecider struct {
	opts       HTTPOptions
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPDecider(opts HTTPOptions, logger *slog.Logger) (*HTTPDecider, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("classifier endpoint is empty")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("classifier model is empty")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPDecider{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// wireDecision mirrors model.Classification with pointers for the required
// fields so that absent keys can be told apart from zero values.
type wireDecision struct {
	IsSpam     *bool          `json:"is_spam"`
	Importance *string        `json:"importance"`
	Category   *string        `json:"category"`
	Entities   model.Entities `json:"entities"`
	Reason     string         `json:"reason"`
	Status     model.Status   `json:"status"`
	Compose    *model.Compose `json:"compose"`
	Notes      []string       `json:"notes"`
}

func (d *HTTPDecider) Decide(ctx context.Context, analysisText string, meta Metadata) (model.Classification, error) {
	userContent, err := json.Marshal(struct {
		AnalysisText string   `json:"analysis_text"`
		Metadata     Metadata `json:"metadata"`
	}{analysisText, meta})
	if err != nil {
		return model.Classification{}, fmt.Errorf("marshal classifier input: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: d.opts.Model,
		Messages: []chatMessage{
			{Role: "system", Content: Instructions},
			{Role: "user", Content: string(userContent)},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return model.Classification{}, fmt.Errorf("marshal classifier request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.Endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Classification{}, fmt.Errorf("create classifier request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.opts.APIKey)
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return model.Classification{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return model.Classification{}, fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return model.Classification{}, fmt.Errorf("%w: decode response: %v", ErrSchemaViolation, err)
	}
	if len(chat.Choices) == 0 {
		return model.Classification{}, fmt.Errorf("%w: response has no choices", ErrSchemaViolation)
	}

	c, err := DecodeDecision([]byte(chat.Choices[0].Message.Content))
	if err != nil {
		return model.Classification{}, err
	}
	if d.logger != nil {
		d.logger.Debug("classification received", "category", c.Category, "isSpam", c.IsSpam, "duration", time.Since(start))
	}
	return c, nil
}

// DecodeDecision strictly decodes a JSON decision: unknown keys and missing
// required keys are schema violations. The result is validated.
func DecodeDecision(data []byte) (model.Classification, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(data)))
	dec.DisallowUnknownFields()

	var w wireDecision
	if err := dec.Decode(&w); err != nil {
		return model.Classification{}, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if dec.More() {
		return model.Classification{}, fmt.Errorf("%w: trailing data after decision", ErrSchemaViolation)
	}

	var missing []string
	if w.IsSpam == nil {
		missing = append(missing, "is_spam")
	}
	if w.Importance == nil {
		missing = append(missing, "importance")
	}
	if w.Category == nil {
		missing = append(missing, "category")
	}
	if len(missing) > 0 {
		return model.Classification{}, fmt.Errorf("%w: missing %s", ErrSchemaViolation, strings.Join(missing, ", "))
	}

	c := model.Classification{
		IsSpam:     *w.IsSpam,
		Importance: model.Importance(*w.Importance),
		Category:   *w.Category,
		Entities:   w.Entities,
		Reason:     w.Reason,
		Status:     w.Status,
		Compose:    w.Compose,
		Notes:      w.Notes,
	}
	if err := Validate(&c); err != nil {
		return model.Classification{}, err
	}
	return c, nil
}
