package rank

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankTieBrokenByLabel(t *testing.T) {
	got, err := Rank(map[string]float32{"cat": 0.8, "dog": 0.8, "bird": 0.05}, 5, 0.1)
	require.NoError(t, err)
	assert.Equal(t, Ranking{{"cat", 0.8}, {"dog", 0.8}}, got)
}

func TestRankTruncatesToN(t *testing.T) {
	got, err := Rank(map[string]float32{"a": 0.9, "b": 0.7, "c": 0.5, "d": 0.3, "e": 0.1}, 3, 0.2)
	require.NoError(t, err)
	assert.Equal(t, Ranking{{"a", 0.9}, {"b", 0.7}, {"c", 0.5}}, got)
}

func TestRankThresholdIsStrict(t *testing.T) {
	got, stats, err := RankWithStats(map[string]float32{"at": 0.5, "above": 0.51}, 10, 0.5)
	require.NoError(t, err)
	assert.Equal(t, Ranking{{"above", 0.51}}, got)
	assert.Equal(t, Stats{Considered: 2, Kept: 1, BelowThreshold: 1}, stats)
}

func TestRankNoPadding(t *testing.T) {
	got, err := Rank(map[string]float32{"only": 1}, 5, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = Rank(nil, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRankInvalidArguments(t *testing.T) {
	scores := map[string]float32{"a": 1}
	for _, n := range []int{0, -1} {
		_, err := Rank(scores, n, 0.1)
		require.ErrorIs(t, err, ErrInvalidArgument, "n=%d", n)

		var iae *InvalidArgumentError
		require.True(t, errors.As(err, &iae))
		assert.Equal(t, "n", iae.Arg)
	}

	_, err := Rank(scores, 1, float32(math.NaN()))
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRankExcludesNonFinite(t *testing.T) {
	scores := map[string]float32{
		"nan":  float32(math.NaN()),
		"inf":  float32(math.Inf(1)),
		"ninf": float32(math.Inf(-1)),
		"ok":   0.4,
	}
	got, stats, err := RankWithStats(scores, 5, 0.1)
	require.NoError(t, err)
	assert.Equal(t, Ranking{{"ok", 0.4}}, got)
	assert.Equal(t, 3, stats.NonFinite)
	assert.Equal(t, 4, stats.Considered)
}

func TestRankProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for iter := range 200 {
		scores := make(map[string]float32)
		for i := range rng.IntN(30) {
			// Coarse values force ties.
			scores[fmt.Sprintf("l%02d", i)] = float32(rng.IntN(10)) / 10
		}
		n := 1 + rng.IntN(8)
		threshold := float32(rng.IntN(10)) / 10

		got, err := Rank(scores, n, threshold)
		require.NoError(t, err)

		require.LessOrEqual(t, len(got), n, "iter %d", iter)
		for i, e := range got {
			require.Greater(t, e.Score, threshold, "iter %d", iter)
			if i == 0 {
				continue
			}
			prev := got[i-1]
			require.GreaterOrEqual(t, prev.Score, e.Score, "iter %d", iter)
			if prev.Score == e.Score {
				require.Less(t, prev.Label, e.Label, "iter %d", iter)
			}
		}

		again, err := Rank(scores, n, threshold)
		require.NoError(t, err)
		require.Equal(t, got, again, "iter %d", iter)
	}
}

func TestRankingHelpers(t *testing.T) {
	r := Ranking{{"a", 0.9}, {"b", 0.5}}
	assert.Equal(t, []string{"a", "b"}, r.Labels())

	top, ok := r.Top()
	require.True(t, ok)
	assert.Equal(t, "a", top.Label)

	_, ok = Ranking(nil).Top()
	assert.False(t, ok)
}
