package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/time/rate"
)

// Key is one LLM API key drawn from the pool for a single call.
type Key struct {
	APIKey string
	index  int
}

// keyState tracks per-key windowed usage, mirroring the original
// rotation_state_manager.py's per-key accounting fields.
type keyState struct {
	APIKey          string    `json:"api_key"`
	RequestsInDay   int       `json:"requests_in_day"`
	RequestsInMin   int       `json:"requests_in_min"`
	TokensInMin     int       `json:"tokens_in_min"`
	MinuteWindowAt  time.Time `json:"minute_window_at"`
	DayWindowAt     time.Time `json:"day_window_at"`
	CooledDownUntil time.Time `json:"cooled_down_until"`

	limiter *rate.Limiter
}

// PoolConfig carries the windowed quota limits enforced per key.
type PoolConfig struct {
	Keys           []string
	RequestsPerMin int // RPM
	TokensPerMin   int // TPM
	RequestsPerDay int // RPD
	StatePath      string // STATE_DIR/key_rotation_state.json
}

// KeyPool round-robins a set of API keys, enforcing RPM/TPM/RPD windows
// per key and cooling down keys that hit quota until their window resets.
// The whole rotation/accounting structure is guarded by a single mutex,
// matching §5's "keys are the only shared mutable resource" contract.
type KeyPool struct {
	mu        sync.Mutex
	cfg       PoolConfig
	states    []*keyState
	nextIndex int
}

// NewKeyPool constructs a pool and loads any persisted state from
// cfg.StatePath, if present.
func NewKeyPool(cfg PoolConfig) (*KeyPool, error) {
	if len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("llmclient: no API keys configured")
	}
	if cfg.RequestsPerMin <= 0 {
		cfg.RequestsPerMin = 50
	}
	if cfg.TokensPerMin <= 0 {
		cfg.TokensPerMin = 100000
	}
	if cfg.RequestsPerDay <= 0 {
		cfg.RequestsPerDay = 1000
	}

	p := &KeyPool{cfg: cfg}
	states := make([]*keyState, len(cfg.Keys))
	for i, k := range cfg.Keys {
		states[i] = &keyState{
			APIKey:         k,
			MinuteWindowAt: time.Now(),
			DayWindowAt:    time.Now(),
			limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerMin)/60, cfg.RequestsPerMin),
		}
	}
	p.states = states

	if cfg.StatePath != "" {
		if err := p.load(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Acquire blocks until a non-cooled-down, under-quota key is available,
// rotating round-robin and re-checking once per second. It returns an error
// only when ctx is done or the key's rate limiter wait fails; it does not
// return early when every key is cooled down or over quota.
func (p *KeyPool) Acquire(ctx context.Context, estimatedTokens int) (*Key, error) {
	for {
		p.mu.Lock()
		now := time.Now()
		var candidate *keyState
		var candidateIdx int
		for offset := 0; offset < len(p.states); offset++ {
			idx := (p.nextIndex + offset) % len(p.states)
			s := p.states[idx]
			p.resetWindowsLocked(s, now)
			if now.Before(s.CooledDownUntil) {
				continue
			}
			if s.RequestsInDay >= p.cfg.RequestsPerDay {
				continue
			}
			if s.TokensInMin+estimatedTokens > p.cfg.TokensPerMin {
				continue
			}
			candidate = s
			candidateIdx = idx
			break
		}
		if candidate == nil {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}
		p.nextIndex = (candidateIdx + 1) % len(p.states)
		limiter := candidate.limiter
		p.mu.Unlock()

		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return &Key{APIKey: candidate.APIKey, index: candidateIdx}, nil
	}
}

// RecordSuccess updates usage counters after a successful call.
func (p *KeyPool) RecordSuccess(k *Key, tokensUsed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.states[k.index]
	s.RequestsInDay++
	s.RequestsInMin++
	s.TokensInMin += tokensUsed
	p.persistLocked()
}

// RecordFailure cools the key down for the remainder of its window when
// the failure was a quota error; other failures leave the key usable.
func (p *KeyPool) RecordFailure(k *Key, quotaError bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !quotaError {
		return
	}
	s := p.states[k.index]
	s.CooledDownUntil = s.MinuteWindowAt.Add(time.Minute)
	p.persistLocked()
}

func (p *KeyPool) resetWindowsLocked(s *keyState, now time.Time) {
	if now.Sub(s.MinuteWindowAt) >= time.Minute {
		s.MinuteWindowAt = now
		s.RequestsInMin = 0
		s.TokensInMin = 0
	}
	if now.Sub(s.DayWindowAt) >= 24*time.Hour {
		s.DayWindowAt = now
		s.RequestsInDay = 0
	}
}

// persistedState is the on-disk shape of STATE_DIR/key_rotation_state.json.
type persistedState struct {
	Keys []keyState `json:"keys"`
}

func (p *KeyPool) persistLocked() {
	if p.cfg.StatePath == "" {
		return
	}
	out := persistedState{Keys: make([]keyState, len(p.states))}
	for i, s := range p.states {
		out.Keys[i] = *s
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(filepath.Dir(p.cfg.StatePath), 0o755)
	_ = atomic.WriteFile(p.cfg.StatePath, bytes.NewReader(data))
}

func (p *KeyPool) load() error {
	data, err := os.ReadFile(p.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load key rotation state: %w", err)
	}
	var in persistedState
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parse key rotation state: %w", err)
	}
	byKey := make(map[string]keyState, len(in.Keys))
	for _, s := range in.Keys {
		byKey[s.APIKey] = s
	}
	for _, s := range p.states {
		if saved, ok := byKey[s.APIKey]; ok {
			s.RequestsInDay = saved.RequestsInDay
			s.RequestsInMin = saved.RequestsInMin
			s.TokensInMin = saved.TokensInMin
			s.MinuteWindowAt = saved.MinuteWindowAt
			s.DayWindowAt = saved.DayWindowAt
			s.CooledDownUntil = saved.CooledDownUntil
		}
	}
	return nil
}
