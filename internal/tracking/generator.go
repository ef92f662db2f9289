package tracking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/marketledger/internal/idgen"
)

// Alphabet is the character set for newly issued suffixes. Characters that
// are easily confused when read aloud or hand-copied (0/O, 1/I) are excluded.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultMaxAttempts bounds collision retries per Generate/Assign call.
const DefaultMaxAttempts = 8

// Checker reports whether an ID is already bound to an entity in one namespace.
type Checker interface {
	Exists(ctx context.Context, id ID) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, id ID) (bool, error)

// Exists implements Checker.
func (f CheckerFunc) Exists(ctx context.Context, id ID) (bool, error) { return f(ctx, id) }

// Issuer is the narrow interface entity-creation flows depend on.
type Issuer interface {
	Assign(ctx context.Context, t EntityType, persist func(ID) error) (ID, error)
}

// Generator produces collision-checked tracking IDs.
type Generator struct {
	mu          sync.RWMutex
	checkers    map[EntityType]Checker
	maxAttempts int
	now         func() time.Time
	rand        io.Reader
	logger      *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithClock sets the time source used for the year component.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithRandom sets the randomness source (crypto/rand by default).
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.rand = r }
}

// WithLogger sets the logger used for collision and exhaustion reports.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator creates a generator with no registered checkers.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		checkers:    make(map[EntityType]Checker),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register binds the uniqueness checker for one namespace. Repositories are
// registered once at startup.
func (g *Generator) Register(t EntityType, c Checker) {
	g.mu.Lock()
	g.checkers[t] = c
	g.mu.Unlock()
}

// Generate returns an ID that is not currently bound in t's namespace.
func (g *Generator) Generate(ctx context.Context, t EntityType) (ID, error) {
	return g.Assign(ctx, t, nil)
}

// Assign generates an ID and hands it to persist. If persist reports ErrTaken
// (a concurrent writer claimed the same ID between the check and the insert)
// a fresh ID is drawn. Both kinds of collision count against the same budget.
func (g *Generator) Assign(ctx context.Context, t EntityType, persist func(ID) error) (ID, error) {
	if !t.Valid() {
		return ID{}, fmt.Errorf("%w: entity type %d", ErrUnknownPrefix, t)
	}

	g.mu.RLock()
	checker := g.checkers[t]
	g.mu.RUnlock()

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return ID{}, err
		}

		id, err := g.sample(t)
		if err != nil {
			return ID{}, err
		}

		if checker != nil {
			exists, err := checker.Exists(ctx, id)
			if err != nil {
				return ID{}, fmt.Errorf("check tracking id: %w", err)
			}
			if exists {
				collisionsTotal.WithLabelValues(t.String()).Inc()
				g.logger.Debug("tracking id collision", "type", t.String(), "attempt", attempt+1)
				continue
			}
		}

		if persist != nil {
			if err := persist(id); err != nil {
				if errors.Is(err, ErrTaken) {
					collisionsTotal.WithLabelValues(t.String()).Inc()
					continue
				}
				return ID{}, err
			}
		}

		issuedTotal.WithLabelValues(t.String()).Inc()
		return id, nil
	}

	exhaustedTotal.WithLabelValues(t.String()).Inc()
	g.logger.Error("tracking id collision budget exhausted",
		"type", t.String(), "attempts", g.maxAttempts)
	return ID{}, ErrIDExhausted
}

func (g *Generator) sample(t EntityType) (ID, error) {
	suffix, err := idgen.FromAlphabet(g.rand, Alphabet, SuffixLength)
	if err != nil {
		return ID{}, fmt.Errorf("sample tracking id: %w", err)
	}
	return ID{Type: t, Year: g.now().UTC().Year(), Suffix: suffix}, nil
}
