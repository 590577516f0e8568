package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockStore struct {
	allowed bool
	err     error
	lastKey string
	lastN   int
}

func (m *mockStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.lastKey, m.lastN = key, n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.lastKey = key
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestAllow(t *testing.T) {
	store := &mockStore{allowed: true}
	l := NewTestLimiter(store)

	d, err := l.Allow(context.Background(), "t1", 250)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, "ratelimit:tenant:t1", store.lastKey)
	assert.Equal(t, 250, store.lastN)
}

func TestAllow_DefaultCost(t *testing.T) {
	store := &mockStore{allowed: true}
	_, err := NewTestLimiter(store).Allow(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCost, store.lastN)
}

func TestAllow_Denied(t *testing.T) {
	d, err := NewTestLimiter(&mockStore{}).Allow(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)
}

func TestAllow_StoreError(t *testing.T) {
	d, err := NewTestLimiter(&mockStore{err: errors.New("redis down")}).Allow(context.Background(), "t1", 10)
	assert.Error(t, err)
	assert.False(t, d.Allowed)
}

func TestNilLimiterAllows(t *testing.T) {
	var l *Limiter
	d, err := l.Allow(context.Background(), "t1", 10)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	res, err := l.Status(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
