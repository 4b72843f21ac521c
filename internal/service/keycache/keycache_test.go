package keycache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKV struct {
	mu  sync.Mutex
	m   map[string]string
	exp map[string]time.Time
	now time.Time
}

func newFakeKV() *fakeKV {
	return &fakeKV{m: make(map[string]string), exp: make(map[string]time.Time), now: time.Now()}
}

func (f *fakeKV) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value.(string)
	f.exp[key] = f.now.Add(ttl)
	return nil
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	if !ok || f.now.After(f.exp[key]) {
		return "", false, nil
	}
	return v, true, nil
}

func (f *fakeKV) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
	delete(f.exp, key)
	return nil
}

func (f *fakeKV) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestPutGetRoundTrip(t *testing.T) {
	kv := newFakeKV()
	cache := NewKeyCache(kv, time.Minute)
	ctx := context.Background()

	key := []byte{1, 2, 3, 4}
	require.NoError(t, cache.Put(ctx, "alice", key))

	got, ok, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, got)
}

func TestMissAfterTTL(t *testing.T) {
	kv := newFakeKV()
	cache := NewKeyCache(kv, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "alice", []byte{1}))
	kv.advance(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	kv := newFakeKV()
	cache := NewKeyCache(kv, time.Minute)
	ctx := context.Background()

	kv.Set(ctx, cacheKey("alice"), "not base64 !!!", time.Minute)

	_, ok, err := cache.Get(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	// the bad entry was dropped
	_, present, _ := kv.Get(ctx, cacheKey("alice"))
	assert.False(t, present)
}

func TestUnknownUserIsAMiss(t *testing.T) {
	cache := NewKeyCache(newFakeKV(), 0)

	_, ok, err := cache.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}
