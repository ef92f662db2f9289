package tracking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

// repeatBytes returns a reader that yields one 12-byte block per value, which
// is exactly what a single six-character sample consumes.
func repeatBytes(vals ...byte) *bytes.Reader {
	var buf []byte
	for _, v := range vals {
		buf = append(buf, bytes.Repeat([]byte{v}, SuffixLength*2)...)
	}
	return bytes.NewReader(buf)
}

func TestEntityType_Prefixes(t *testing.T) {
	tests := []struct {
		typ    EntityType
		prefix string
	}{
		{Wallet, "WLT"},
		{Product, "PRD"},
		{Store, "STO"},
		{Order, "ORD"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.prefix, tt.typ.Prefix())
		got, ok := TypeForPrefix(strings.ToLower(tt.prefix))
		require.True(t, ok)
		assert.Equal(t, tt.typ, got)
	}
	assert.False(t, EntityType(0).Valid())
	assert.False(t, EntityType(99).Valid())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    ID
		wantErr error
	}{
		{"canonical", "ORD-2024-GHK789", ID{Order, 2024, "GHK789"}, nil},
		{"lowercase and spaces", "  wlt-2025-abc123 ", ID{Wallet, 2025, "ABC123"}, nil},
		{"legacy base36 suffix", "PRD-2023-0O1I00", ID{Product, 2023, "0O1I00"}, nil},
		{"unknown prefix", "XYZ-2024-ABCDEF", ID{}, ErrUnknownPrefix},
		{"short suffix", "STO-2024-ABC", ID{}, ErrMalformed},
		{"bad year", "STO-24-ABCDEF", ID{}, ErrMalformed},
		{"non-numeric year", "STO-20X4-ABCDEF", ID{}, ErrMalformed},
		{"punctuation in suffix", "STO-2024-ABC!EF", ID{}, ErrMalformed},
		{"missing parts", "ORD2024ABCDEF", ID{}, ErrMalformed},
		{"empty", "", ID{}, ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestID_StringRoundTrip(t *testing.T) {
	id := ID{Type: Store, Year: 2024, Suffix: "DEF456"}
	assert.Equal(t, "STO-2024-DEF456", id.String())
	assert.Equal(t, id, MustParse(id.String()))
}

func TestParseAs_WrongNamespace(t *testing.T) {
	_, err := ParseAs(Wallet, "ORD-2024-ABCDEF")
	assert.ErrorIs(t, err, ErrMalformed)

	id, err := ParseAs(Order, "ORD-2024-ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, Order, id.Type)
}

func TestGenerator_Format(t *testing.T) {
	g := NewGenerator(WithClock(fixedClock))
	for _, typ := range EntityTypes {
		id, err := g.Generate(context.Background(), typ)
		require.NoError(t, err)

		s := id.String()
		assert.True(t, strings.HasPrefix(s, typ.Prefix()+"-2024-"), s)
		for _, c := range id.Suffix {
			assert.Contains(t, Alphabet, string(c))
		}
		assert.Equal(t, id, MustParse(s))
	}
}

func TestGenerator_RetriesOnCollision(t *testing.T) {
	taken := ID{Type: Order, Year: 2024, Suffix: "AAAAAA"}
	var checks int
	g := NewGenerator(WithClock(fixedClock), WithRandom(repeatBytes(0, 1)))
	g.Register(Order, CheckerFunc(func(ctx context.Context, id ID) (bool, error) {
		checks++
		return id == taken, nil
	}))

	id, err := g.Generate(context.Background(), Order)
	require.NoError(t, err)
	assert.Equal(t, "ORD-2024-BBBBBB", id.String())
	assert.Equal(t, 2, checks)
}

func TestGenerator_Exhausted(t *testing.T) {
	g := NewGenerator(WithMaxAttempts(3))
	var checks int
	g.Register(Wallet, CheckerFunc(func(ctx context.Context, id ID) (bool, error) {
		checks++
		return true, nil
	}))

	_, err := g.Generate(context.Background(), Wallet)
	assert.ErrorIs(t, err, ErrIDExhausted)
	assert.Equal(t, 3, checks)
}

func TestGenerator_CheckerError(t *testing.T) {
	g := NewGenerator()
	boom := errors.New("db down")
	g.Register(Product, CheckerFunc(func(ctx context.Context, id ID) (bool, error) {
		return false, boom
	}))

	_, err := g.Generate(context.Background(), Product)
	assert.ErrorIs(t, err, boom)
}

func TestGenerator_InvalidType(t *testing.T) {
	_, err := NewGenerator().Generate(context.Background(), EntityType(42))
	assert.ErrorIs(t, err, ErrUnknownPrefix)
}

func TestGenerator_AssignRetriesWhenTaken(t *testing.T) {
	g := NewGenerator(WithClock(fixedClock), WithRandom(repeatBytes(2, 3)))

	var persisted []string
	id, err := g.Assign(context.Background(), Store, func(id ID) error {
		persisted = append(persisted, id.String())
		if len(persisted) == 1 {
			return fmt.Errorf("insert store: %w", ErrTaken)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"STO-2024-CCCCCC", "STO-2024-DDDDDD"}, persisted)
	assert.Equal(t, "STO-2024-DDDDDD", id.String())
}

func TestGenerator_AssignPropagatesOtherErrors(t *testing.T) {
	g := NewGenerator()
	boom := errors.New("constraint violation")
	_, err := g.Assign(context.Background(), Order, func(ID) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestGenerator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewGenerator().Generate(ctx, Order)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGenerator_UniqueUnderConcurrency(t *testing.T) {
	const n = 500

	var mu sync.Mutex
	registry := make(map[ID]bool)

	g := NewGenerator()
	g.Register(Product, CheckerFunc(func(ctx context.Context, id ID) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return registry[id], nil
	}))

	ids := make(chan ID, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			id, err := g.Assign(context.Background(), Product, func(id ID) error {
				mu.Lock()
				defer mu.Unlock()
				if registry[id] {
					return ErrTaken
				}
				registry[id] = true
				return nil
			})
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ID]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
