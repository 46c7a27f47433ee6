// Package llmclient is the rate-limited LLM client shared by the speaker
// identifier, unit segmenter, and knowledge extractor. It rotates API keys
// round-robin under windowed quotas, retries transient failures with
// exponential backoff, and distinguishes transient from permanent errors.
package llmclient

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Options configures a single Complete call.
type Options struct {
	Temperature float64
	MaxTokens   int64
	JSONMode    bool
	Timeout     time.Duration
	MaxRetries  int // 0 means use the client default
}

// DefaultOptions matches the normative defaults of §6/§7.
func DefaultOptions() Options {
	return Options{Temperature: 0.2, MaxTokens: 4096, Timeout: 60 * time.Second, MaxRetries: 3}
}

// TransientError wraps network, 5xx, quota, and timeout failures: the
// caller should retry with backoff and may rotate keys.
type TransientError struct {
	Attempt    int
	QuotaError bool
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error (attempt %d): %v", e.Attempt, e.Err)
}
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps schema and 4xx-non-quota failures: retrying will
// not help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent provider error: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// ExhaustedError is returned once retries are exhausted on a transient
// failure, per §7's ExhaustedProviderError.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("provider exhausted after %d attempts: %v", e.Attempts, e.Err)
}
func (e *ExhaustedError) Unwrap() error { return e.Err }

const (
	initialBackoff = 5 * time.Second
	backoffFactor  = 2
	maxBackoff     = 60 * time.Second
)

// Client issues completions against an LLM provider through a rotating
// pool of API keys with windowed quota enforcement.
type Client struct {
	pool  *KeyPool
	model string
}

// New constructs a Client. model is the provider model identifier
// (e.g. "claude-sonnet-4-5-20250929"); pool supplies and rotates API keys.
func New(pool *KeyPool, model string) *Client {
	return &Client{pool: pool, model: model}
}

// EstimateTokens approximates token count as words * 1.3, per §6.
func EstimateTokens(prompt string) int {
	words := len(strings.Fields(prompt))
	return int(float64(words) * 1.3)
}

// Complete issues one prompt and returns the raw text response. It retries
// transient failures with exponential backoff and rotates to the next key
// in the pool on quota errors, observing cancellation between attempts.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	if opts.MaxTokens == 0 {
		opts = DefaultOptions()
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	estimated := EstimateTokens(systemPrompt + userPrompt)

	backoff := initialBackoff
	var lastErr error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		key, err := c.pool.Acquire(ctx, estimated)
		if err != nil {
			return "", fmt.Errorf("acquire llm key: %w", err)
		}

		text, callErr := c.call(ctx, key.APIKey, systemPrompt, userPrompt, opts)
		if callErr == nil {
			c.pool.RecordSuccess(key, estimated)
			return text, nil
		}

		quota := isQuotaError(callErr)
		c.pool.RecordFailure(key, quota)

		if !isTransient(callErr) {
			return "", &PermanentError{Err: callErr}
		}

		lastErr = &TransientError{Attempt: attempt, QuotaError: quota, Err: callErr}
		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= backoffFactor
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}

	return "", &ExhaustedError{Attempts: maxRetries, Err: lastErr}
}

// CompleteBatch issues each prompt in sequence, observing cancellation
// between elements, and stops at the first unrecoverable error.
func (c *Client) CompleteBatch(ctx context.Context, systemPrompt string, userPrompts []string, opts Options) ([]string, error) {
	results := make([]string, len(userPrompts))
	for i, p := range userPrompts {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		text, err := c.Complete(ctx, systemPrompt, p, opts)
		if err != nil {
			return results, fmt.Errorf("batch item %d: %w", i, err)
		}
		results[i] = text
	}
	return results, nil
}

func (c *Client) call(ctx context.Context, apiKey, systemPrompt, userPrompt string, opts Options) (string, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   opts.MaxTokens,
		Temperature: anthropic.Float(opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	msg, err := client.Messages.New(callCtx, params)
	if err != nil {
		return "", err
	}

	text := extractText(msg)
	if text == "" {
		return "", fmt.Errorf("empty response from provider")
	}
	return text, nil
}

func extractText(msg *anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "")
}

// isTransient classifies network errors, 5xx, timeouts, and quota errors
// as retryable; everything else (4xx schema/auth errors) is permanent.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	if isQuotaError(err) {
		return true
	}
	for _, needle := range []string{"timeout", "deadline exceeded", "connection", "eof", "reset by peer", "429", "500", "502", "503", "504"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

var quotaPattern = regexp.MustCompile(`(?i)rate.?limit|quota|too many requests|429`)

func isQuotaError(err error) bool {
	return quotaPattern.MatchString(err.Error())
}

// ExtractJSON extracts the first top-level JSON object or array from text
// that may be wrapped in markdown code fences or surrounded by prose.
func ExtractJSON(text string) string {
	text = stripScratchpad(text)
	text = stripMarkdownFences(text)
	return extractJSONBounds(text)
}

var scratchpadRe = regexp.MustCompile(`(?s)<scratchpad>.*?</scratchpad>`)

func stripScratchpad(text string) string {
	return scratchpadRe.ReplaceAllString(text, "")
}

var fenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")

func stripMarkdownFences(text string) string {
	if matches := fenceRe.FindStringSubmatch(text); len(matches) > 1 {
		return matches[1]
	}
	return text
}

func extractJSONBounds(text string) string {
	firstObj, firstArr := strings.Index(text, "{"), strings.Index(text, "[")
	start := firstObj
	open, close := '{', '}'
	if start < 0 || (firstArr >= 0 && firstArr < start) {
		start = firstArr
		open, close = '[', ']'
	}
	if start < 0 {
		return strings.TrimSpace(text)
	}
	end := strings.LastIndexByte(text, byte(close))
	if end <= start {
		return strings.TrimSpace(text)
	}
	_ = open
	return strings.TrimSpace(text[start : end+1])
}
