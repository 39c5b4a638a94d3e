package results

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/quantumlayerplatform-core/qlp-orchestrator/internal/circuitbreaker"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	rw := circuitbreaker.NewRedisWrapper(client, zaptest.NewLogger(t))
	return NewStore(rw, zaptest.NewLogger(t)), s
}

func TestPutGetRoundtrip(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	files := map[string][]byte{
		"main.py":      []byte("print('hi')\n"),
		"lib/util.py":  []byte("def f():\n    pass\n"),
		"data/raw.bin": {0x00, 0xff, 0x10},
	}
	require.NoError(t, store.Put(ctx, "qlp-gen-1", "t1", files))

	got, err := store.Get(ctx, "qlp-gen-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, files, got)

	ttl := mr.TTL(key("qlp-gen-1", "t1"))
	assert.Equal(t, DefaultTTL, ttl)
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), "qlp-gen-1", "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetCorruptBlobDeleted(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(key("qlp-gen-1", "t1"), "][broken"))

	_, err := store.Get(ctx, "qlp-gen-1", "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, mr.Exists(key("qlp-gen-1", "t1")))
}

func TestExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "qlp-gen-1", "t1", map[string][]byte{"a": []byte("b")}))
	mr.FastForward(DefaultTTL + time.Minute)

	_, err := store.Get(ctx, "qlp-gen-1", "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCopyRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	files := map[string][]byte{"main.go": []byte("package main")}
	require.NoError(t, store.Put(ctx, "qlp-gen-producer", "t9", files))

	mr.FastForward(12 * time.Hour)
	require.NoError(t, store.Copy(ctx, "qlp-gen-producer", "t9", "qlp-gen-consumer", "t2"))

	got, err := store.Get(ctx, "qlp-gen-consumer", "t2")
	require.NoError(t, err)
	assert.Equal(t, files, got)
	assert.Equal(t, DefaultTTL, mr.TTL(key("qlp-gen-consumer", "t2")))
}

func TestCopyMissingSource(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Copy(context.Background(), "qlp-gen-x", "gone", "qlp-gen-y", "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetcher(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	files := map[string][]byte{"app.py": []byte("app")}
	require.NoError(t, store.Put(ctx, "qlp-gen-1", "t1", files))

	fetch := store.Fetcher(ctx, "qlp-gen-1")
	got, err := fetch("t1")
	require.NoError(t, err)
	assert.Equal(t, files, got)

	_, err = fetch("t2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "qlp-gen-1", "t1", map[string][]byte{"a": []byte("b")}))
	require.NoError(t, store.Delete(ctx, "qlp-gen-1", "t1"))
	assert.False(t, mr.Exists(key("qlp-gen-1", "t1")))
}
