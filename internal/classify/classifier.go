// Package classify is the enrichment gateway: it sends a raw lead payload
// to the Anthropic Messages API and returns a strictly validated
// qualification result. Any output that fails validation is a gateway
// failure, never a crash.
package classify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadops/internal/model"
	"github.com/sells-group/leadops/internal/resilience"
	"github.com/sells-group/leadops/pkg/anthropic"
)

const systemPrompt = `You are a lead qualification system. Analyze the raw lead payload and:
1. Classify lead quality (qualified: true/false)
2. Assign a score 0-100
3. List 1-5 reasons for the qualification decision
4. Extract structured fields: name, email, phone, budget (number), intent, urgency (low|medium|high), industry

Output ONLY valid JSON matching this exact schema (no markdown, no extra text):
{
  "qualified": true,
  "score": 82,
  "reasons": ["High budget", "Urgent intent"],
  "lead": {
    "name": "string or null",
    "email": "string or null",
    "phone": "string or null",
    "budget": number or null,
    "intent": "string or null",
    "urgency": "low" or "medium" or "high" or null,
    "industry": "string or null"
  }
}`

// Classifier qualifies a raw lead payload.
type Classifier interface {
	Classify(ctx context.Context, payload map[string]any) (*model.EnrichmentResult, error)
}

// SchemaError marks gateway output that failed strict validation. The
// coordinator treats it identically to a transport failure.
type SchemaError struct {
	Err error
}

func (e *SchemaError) Error() string {
	return "classify: response failed schema validation: " + e.Err.Error()
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// IsSchemaError reports whether err is (or wraps) a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return eris.As(err, &se)
}

// Option configures the Anthropic classifier.
type Option func(*anthropicClassifier)

// WithRateLimit caps classification requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *anthropicClassifier) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
		}
	}
}

// WithBreaker guards the gateway call with a circuit breaker so a failing
// backend fast-fails instead of holding claims open for full timeouts.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *anthropicClassifier) {
		c.breaker = cb
	}
}

// WithTemperature overrides the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *anthropicClassifier) {
		c.temperature = t
	}
}

// WithMaxTokens overrides the default response token cap.
func WithMaxTokens(n int64) Option {
	return func(c *anthropicClassifier) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// anthropicClassifier implements Classifier on the Anthropic Messages API.
type anthropicClassifier struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	limiter     *rate.Limiter
	breaker     *resilience.CircuitBreaker
}

// New creates an Anthropic-backed classifier.
func New(client anthropic.Client, modelID string, opts ...Option) Classifier {
	c := &anthropicClassifier{
		client:      client,
		model:       modelID,
		maxTokens:   1024,
		temperature: 0.1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *anthropicClassifier) Classify(ctx context.Context, payload map[string]any) (*model.EnrichmentResult, error) {
	userContent, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "classify: marshal payload")
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "classify: rate limit")
		}
	}

	req := anthropic.MessageRequest{
		Model:       c.model,
		MaxTokens:   c.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: string(userContent)}},
		Temperature: &c.temperature,
	}

	call := func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return c.client.CreateMessage(ctx, req)
	}

	var resp *anthropic.MessageResponse
	if c.breaker != nil {
		resp, err = resilience.ExecuteVal(ctx, c.breaker, call)
	} else {
		resp, err = call(ctx)
	}
	if err != nil {
		return nil, eris.Wrap(err, "classify: create message")
	}

	resp.Usage.LogCost(c.model, "classify")

	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, &SchemaError{Err: eris.New("empty response")}
	}

	return ParseResult(text)
}

// responseText concatenates the text content blocks of a response.
func responseText(resp *anthropic.MessageResponse) string {
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ParseResult parses and strictly validates classifier output. Required
// fields are decoded through pointers so a missing "qualified" or "score"
// is a schema mismatch rather than a silent zero value.
func ParseResult(text string) (*model.EnrichmentResult, error) {
	cleaned := cleanJSON(text)

	var raw struct {
		Qualified *bool      `json:"qualified"`
		Score     *int       `json:"score"`
		Reasons   []string   `json:"reasons"`
		Lead      model.Lead `json:"lead"`
	}
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		zap.L().Warn("classify: failed to parse response JSON", zap.Error(err))
		return nil, &SchemaError{Err: err}
	}

	if raw.Qualified == nil {
		return nil, &SchemaError{Err: eris.New("missing required field: qualified")}
	}
	if raw.Score == nil {
		return nil, &SchemaError{Err: eris.New("missing required field: score")}
	}

	result := &model.EnrichmentResult{
		Qualified: *raw.Qualified,
		Score:     *raw.Score,
		Reasons:   raw.Reasons,
		Lead:      raw.Lead,
	}
	if result.Reasons == nil {
		result.Reasons = []string{}
	}
	if err := result.Validate(); err != nil {
		return nil, &SchemaError{Err: err}
	}
	return result, nil
}

// cleanJSON strips markdown code fences and any prose around the JSON
// object in a model response.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
