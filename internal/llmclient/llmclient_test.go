package llmclient

import (
	"context"
	"testing"
	"time"
)

func TestEstimateTokens(t *testing.T) {
	got := EstimateTokens("one two three four five")
	if got != 6 { // 5 words * 1.3 = 6.5 -> truncated to 6
		t.Errorf("EstimateTokens = %d, want 6", got)
	}
}

func TestExtractJSON_PlainObject(t *testing.T) {
	got := ExtractJSON(`{"a": 1}`)
	if got != `{"a": 1}` {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSON_MarkdownFence(t *testing.T) {
	in := "Here is the result:\n```json\n{\"a\": 1}\n```\nThanks."
	got := ExtractJSON(in)
	if got != `{"a": 1}` {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSON_Scratchpad(t *testing.T) {
	in := "<scratchpad>thinking...</scratchpad>{\"a\": 1}"
	got := ExtractJSON(in)
	if got != `{"a": 1}` {
		t.Errorf("got %q", got)
	}
}

func TestExtractJSON_Array(t *testing.T) {
	in := "prefix [1, 2, 3] suffix"
	got := ExtractJSON(in)
	if got != "[1, 2, 3]" {
		t.Errorf("got %q", got)
	}
}

func TestIsQuotaError(t *testing.T) {
	cases := map[string]bool{
		"429 Too Many Requests":       true,
		"rate limit exceeded":         true,
		"quota exceeded for project":  true,
		"invalid api key":             false,
		"bad request: missing field":  false,
	}
	for msg, want := range cases {
		got := quotaPattern.MatchString(msg)
		if got != want {
			t.Errorf("isQuotaError(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestKeyPool_RoundRobinAndCooldown(t *testing.T) {
	pool, err := NewKeyPool(PoolConfig{
		Keys:           []string{"key-a", "key-b"},
		RequestsPerMin: 100,
		TokensPerMin:   1_000_000,
		RequestsPerDay: 1000,
	})
	if err != nil {
		t.Fatalf("NewKeyPool: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	k1, err := pool.Acquire(ctx, 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.RecordSuccess(k1, 10)

	k2, err := pool.Acquire(ctx, 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if k1.APIKey == k2.APIKey {
		t.Errorf("expected round-robin to pick the other key, got %s twice", k1.APIKey)
	}

	pool.RecordFailure(k2, true)
	k3, err := pool.Acquire(ctx, 10)
	if err != nil {
		t.Fatalf("Acquire after cooldown: %v", err)
	}
	if k3.APIKey == k2.APIKey {
		t.Errorf("expected cooled-down key %s to be skipped", k2.APIKey)
	}
}

func TestKeyPool_NoKeysError(t *testing.T) {
	_, err := NewKeyPool(PoolConfig{})
	if err == nil {
		t.Fatal("expected error for empty key list")
	}
}
