package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_, err := c.Get(ctx, "prediction:abc")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "prediction:abc", "Normal", 0))
	v, err := c.Get(ctx, "prediction:abc")
	require.NoError(t, err)
	require.Equal(t, "Normal", v)
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "Abnormal", time.Minute))

	now = now.Add(59 * time.Second)
	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "Abnormal", v)

	now = now.Add(time.Second)
	_, err = c.Get(ctx, "k")
	require.ErrorIs(t, err, ErrMiss)
}

func TestRedisCacheRoundTripAndMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := Dial(ctx, mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Get(ctx, "prediction:missing")
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "prediction:abc", `{"label":"Abnormal","score":0.9}`, time.Minute))
	v, err := c.Get(ctx, "prediction:abc")
	require.NoError(t, err)
	require.Equal(t, `{"label":"Abnormal","score":0.9}`, v)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "prediction:abc")
	require.ErrorIs(t, err, ErrMiss)
}

func TestRedisCacheReportsServerErrors(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	c, err := Dial(ctx, mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	mr.SetError("LOADING redis is loading the dataset in memory")
	_, err = c.Get(ctx, "prediction:abc")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrMiss)
}

func TestDialFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, addr)
	require.Error(t, err)
}
