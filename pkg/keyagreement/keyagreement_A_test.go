package keyagreement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPairIsUnordered(t *testing.T) { // A
	t.Parallel()
	assert.Equal(t, NewPair("Rome", "Oslo"), NewPair("Oslo", "Rome"))
	assert.Equal(t, "Oslo|Rome", NewPair("Rome", "Oslo").String())
	assert.True(t, NewPair("a", "b").Has("b"))
	assert.False(t, NewPair("a", "b").Has("c"))
}

func TestPairSymmetryProperty(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.String().Draw(t, "a")
		b := rapid.String().Draw(t, "b")
		if NewPair(a, b) != NewPair(b, a) {
			t.Fatalf("pair (%q, %q) is not symmetric", a, b)
		}
		p := NewPair(a, b)
		if p.A > p.B {
			t.Fatalf("pair not normalized: %+v", p)
		}
	})
}

func TestGetOrCreateIsSymmetricAndIdempotent(t *testing.T) { // A
	t.Parallel()
	ag := New(Config{Workers: 2})
	defer ag.Close()
	ctx := context.Background()

	k1, err := ag.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)
	k2, err := ag.GetOrCreate(ctx, "B", "A")
	require.NoError(t, err)
	k3, err := ag.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, k1, k3)
	assert.NotEqual(t, [32]byte{}, [32]byte(k1.Key))
	assert.Equal(t, 1, ag.Len())

	cached, ok := ag.Lookup("B", "A")
	require.True(t, ok)
	assert.Equal(t, k1, cached)
}

func TestDistinctPairsGetDistinctKeys(t *testing.T) { // A
	t.Parallel()
	ag := New(Config{})
	defer ag.Close()

	ab, err := ag.GetOrCreate(context.Background(), "A", "B")
	require.NoError(t, err)
	ac, err := ag.GetOrCreate(context.Background(), "A", "C")
	require.NoError(t, err)
	assert.NotEqual(t, ab.Key, ac.Key)
	assert.Greater(t, ac.Generation, ab.Generation)
}

func TestConcurrentFirstUseDerivesOnce(t *testing.T) { // A
	t.Parallel()
	ag := New(Config{Workers: 4, DerivationDelay: 30 * time.Millisecond})
	defer ag.Close()

	const callers = 32
	results := make([]SharedKey, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "X", "Y"
			if i%2 == 1 {
				a, b = b, a
			}
			k, err := ag.GetOrCreate(context.Background(), a, b)
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			results[i] = k
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 1, ag.Len())
}

func TestSlowPairDoesNotBlockOtherPairs(t *testing.T) { // A
	t.Parallel()
	const delay = 300 * time.Millisecond
	ag := New(Config{Workers: 2, DerivationDelay: delay})
	defer ag.Close()

	slow := make(chan error, 1)
	go func() {
		_, err := ag.GetOrCreate(context.Background(), "A", "B")
		slow <- err
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	_, err := ag.GetOrCreate(context.Background(), "C", "D")
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.NoError(t, <-slow)

	// a serialized derivation would take close to 2*delay
	assert.Less(t, elapsed, delay*3/2)
	assert.Equal(t, 2, ag.Len())
}

func TestAbandonedWaitStillCachesKey(t *testing.T) { // A
	t.Parallel()
	ag := New(Config{Workers: 1, DerivationDelay: 50 * time.Millisecond})
	defer ag.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := ag.GetOrCreate(ctx, "A", "B")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		_, ok := ag.Lookup("A", "B")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidateForcesNewGeneration(t *testing.T) { // A
	t.Parallel()
	ag := New(Config{})
	defer ag.Close()
	ctx := context.Background()

	ab, err := ag.GetOrCreate(ctx, "A", "B")
	require.NoError(t, err)
	_, err = ag.GetOrCreate(ctx, "A", "C")
	require.NoError(t, err)
	bc, err := ag.GetOrCreate(ctx, "B", "C")
	require.NoError(t, err)

	assert.Equal(t, 2, ag.Invalidate("A"))
	assert.Equal(t, 1, ag.Len())
	assert.Equal(t, 0, ag.Invalidate("Nowhere"))

	_, ok := ag.Lookup("A", "B")
	assert.False(t, ok)
	still, ok := ag.Lookup("B", "C")
	require.True(t, ok)
	assert.Equal(t, bc, still)

	fresh, err := ag.GetOrCreate(ctx, "B", "A")
	require.NoError(t, err)
	assert.Greater(t, fresh.Generation, ab.Generation)
	assert.NotEqual(t, ab.Key, fresh.Key)
}

func TestEmptyCityRejected(t *testing.T) { // A
	t.Parallel()
	ag := New(Config{})
	defer ag.Close()
	_, err := ag.GetOrCreate(context.Background(), "", "B")
	assert.ErrorIs(t, err, ErrEmptyCity)
}

func TestGetOrCreateAfterClose(t *testing.T) { // A
	t.Parallel()
	ag := New(Config{})
	ag.Close()
	_, err := ag.GetOrCreate(context.Background(), "A", "B")
	assert.Error(t, err)
}

func TestDeriveProducesMatchingSecrets(t *testing.T) { // A
	t.Parallel()
	k1, err := derive(NewPair("A", "B"))
	require.NoError(t, err)
	k2, err := derive(NewPair("A", "B"))
	require.NoError(t, err)
	// ephemeral scalars make every derivation unique
	assert.NotEqual(t, k1, k2)
}
