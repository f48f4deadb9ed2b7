package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/agent-conductor/conductor/cache"
	"github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/keylock"
	ports "github.com/ZanzyTHEbar/agent-conductor/conductor/orchestration/ports"
)

// Config bounds the active window.
type Config struct {
	Threshold int // max window length, summary message included
	Retain    int // verbatim tail kept after a compaction
}

// Guard keeps every conversation's active window within Threshold.
// Operations on one conversation are serialized; different conversations proceed in parallel.
type Guard struct {
	store      store
	summarizer Summarizer
	cache      *cache.LRU
	locks      *keylock.Map
	threshold  int
	retain     int
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithCache serves summaries of identical message ranges from c.
func WithCache(c *cache.LRU) Option {
	return func(g *Guard) { g.cache = c }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the guard logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard creates a guard. Retain is clamped below Threshold so a compacted window always fits.
func NewGuard(kv ports.KVStore, summarizer Summarizer, cfg Config, opts ...Option) *Guard {
	if cfg.Threshold < 2 {
		cfg.Threshold = 2
	}
	if cfg.Retain < 0 {
		cfg.Retain = 0
	}
	if cfg.Retain > cfg.Threshold-1 {
		cfg.Retain = cfg.Threshold - 1
	}

	g := &Guard{
		store:      store{kv: kv},
		summarizer: summarizer,
		locks:      keylock.New(),
		threshold:  cfg.Threshold,
		retain:     cfg.Retain,
		now:        time.Now,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Threshold returns the configured window bound.
func (g *Guard) Threshold() int { return g.threshold }

// Append adds messages in order, assigning sequence numbers.
func (g *Guard) Append(ctx context.Context, conversationID string, msgs ...Message) error {
	if conversationID == "" {
		return &ports.ValidationError{Field: "conversationId", Message: "conversation id is required"}
	}
	for _, m := range msgs {
		if !validRole(m.Role) {
			return &ports.ValidationError{Field: "role", Message: fmt.Sprintf("unsupported role %q", m.Role)}
		}
	}

	unlock := g.locks.Lock(conversationID)
	defer unlock()

	st, err := g.store.load(ctx, conversationID)
	if err != nil {
		return err
	}
	now := g.now()
	for _, m := range msgs {
		m.Seq = st.NextSeq
		st.NextSeq++
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		st.Messages = append(st.Messages, m)
	}
	return g.store.save(ctx, st)
}

// EnsureBounded compacts the conversation if its window exceeds the threshold and returns the window.
func (g *Guard) EnsureBounded(ctx context.Context, conversationID string) ([]ports.PromptMessage, error) {
	unlock := g.locks.Lock(conversationID)
	defer unlock()

	st, err := g.store.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if st.Count() > g.threshold {
		if _, err := g.compact(ctx, st); err != nil {
			return nil, err
		}
	}
	return st.Window(), nil
}

// ForceCompact compacts whenever more than the retained tail is present.
func (g *Guard) ForceCompact(ctx context.Context, conversationID string) (bool, error) {
	unlock := g.locks.Lock(conversationID)
	defer unlock()

	st, err := g.store.load(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return g.compact(ctx, st)
}

// Window returns the active window without compacting.
func (g *Guard) Window(ctx context.Context, conversationID string) ([]ports.PromptMessage, error) {
	st, err := g.State(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return st.Window(), nil
}

// State returns a snapshot of the persisted conversation.
func (g *Guard) State(ctx context.Context, conversationID string) (*State, error) {
	unlock := g.locks.Lock(conversationID)
	defer unlock()
	return g.store.load(ctx, conversationID)
}

// History returns every message ever appended, archived segments first.
func (g *Guard) History(ctx context.Context, conversationID string) ([]Message, error) {
	unlock := g.locks.Lock(conversationID)
	defer unlock()

	st, err := g.store.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	var out []Message
	for n := 0; n < st.Compactions; n++ {
		seg, err := g.store.loadArchive(ctx, conversationID, n)
		if err != nil {
			return nil, err
		}
		out = append(out, seg...)
	}
	return append(out, st.Messages...), nil
}

// compact folds everything but the retained tail into the summary. Callers hold the key lock.
func (g *Guard) compact(ctx context.Context, st *State) (bool, error) {
	if len(st.Messages) <= g.retain {
		return false, nil
	}

	cut := len(st.Messages) - g.retain
	old := st.Messages[:cut]

	next, err := g.summarize(ctx, st.Summary, old)
	if err != nil {
		return false, fmt.Errorf("failed to summarize conversation %s: %w", st.ID, err)
	}

	coverage := roaring.New()
	if st.Summary != nil && st.Summary.Coverage != nil {
		coverage.Or(st.Summary.Coverage)
	}
	for _, m := range old {
		coverage.Add(m.Seq)
	}
	now := g.now()
	next.Coverage = coverage
	next.UpdatedAt = now

	// Archive first: a failure before the state write leaves the full window in place.
	if err := g.store.saveArchive(ctx, st.ID, st.Compactions, old); err != nil {
		return false, err
	}

	tail := make([]Message, g.retain)
	copy(tail, st.Messages[cut:])

	st.Summary = next
	st.Messages = tail
	st.LastCompaction = now
	st.Compactions++

	if err := g.store.save(ctx, st); err != nil {
		return false, err
	}

	g.logger.Debug().
		Str("conversation", st.ID).
		Int("folded", len(old)).
		Int("retained", len(tail)).
		Uint64("coverage", coverage.GetCardinality()).
		Msg("Compacted conversation")
	return true, nil
}

func (g *Guard) summarize(ctx context.Context, prior *Summary, msgs []Message) (*Summary, error) {
	var key string
	if g.cache != nil {
		parts := make([]string, 0, 1+3*len(msgs))
		if prior != nil {
			parts = append(parts, prior.Content)
		} else {
			parts = append(parts, "")
		}
		for _, m := range msgs {
			parts = append(parts, strconv.FormatUint(uint64(m.Seq), 10), m.Role, m.Content)
		}
		key = cache.NamespaceContext.Key("summary:" + cache.Hash(parts...))

		if raw, ok := g.cache.Get(key); ok {
			var cached Summary
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
			g.cache.Invalidate(key)
		}
	}

	next, err := g.summarizer.Summarize(ctx, prior, msgs)
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		if raw, err := json.Marshal(next); err == nil {
			g.cache.Put(key, raw, 0)
		}
	}
	return next, nil
}
