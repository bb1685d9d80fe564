package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/huaxu/internal/config"
	apperrors "github.com/Corphon/huaxu/internal/errors"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()
	dir := t.TempDir()

	fs, err := NewFileStore(filepath.Join(dir, "kv"))
	require.NoError(t, err)
	sq, err := NewSQLiteStore(filepath.Join(dir, "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })

	return map[string]KV{
		"memory": NewMemoryStore(),
		"file":   fs,
		"sqlite": sq,
		"cached": NewCachedStore(NewMemoryStore(), 8, time.Minute),
	}
}

func TestKVContract(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := kv.Get(ctx, DraftKey)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set(ctx, DraftKey, []byte(`{"title":"a"}`)))
			require.NoError(t, kv.Set(ctx, DraftKey, []byte(`{"title":"b"}`)))
			v, err := kv.Get(ctx, DraftKey)
			require.NoError(t, err)
			assert.JSONEq(t, `{"title":"b"}`, string(v))

			require.NoError(t, kv.Set(ctx, AnalysisKey("temp_2"), []byte(`"x"`)))
			require.NoError(t, kv.Set(ctx, AnalysisKey("temp_1"), []byte(`"y"`)))
			require.NoError(t, kv.Set(ctx, ImagesKey("temp_1"), []byte(`{}`)))

			keys, err := kv.Keys(ctx, analysisPrefix)
			require.NoError(t, err)
			assert.Equal(t, []string{"@analysis_temp_1", "@analysis_temp_2"}, keys)

			require.NoError(t, kv.Delete(ctx, AnalysisKey("temp_1")))
			require.NoError(t, kv.Delete(ctx, AnalysisKey("missing")))
			_, err = kv.Get(ctx, AnalysisKey("temp_1"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStoreEscapesKeys(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	key := "@analysis_../../etc/passwd"
	require.NoError(t, fs.Set(ctx, key, []byte("1")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")

	keys, err := fs.Keys(ctx, "@analysis_")
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	assert.Error(t, fs.Set(ctx, "", []byte("1")))
}

func TestFileStoreConcurrentWrites(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, fs.Set(ctx, WorksKey, []byte(fmt.Sprintf(`[%d]`, i))))
		}(i)
	}
	wg.Wait()

	v, err := fs.Get(ctx, WorksKey)
	require.NoError(t, err)
	assert.Regexp(t, `^\[\d+\]$`, string(v))
}

type failingKV struct{ KV }

func (failingKV) Set(context.Context, string, []byte) error { return fmt.Errorf("disk full") }

func TestCachedStoreServesFromCache(t *testing.T) {
	inner := NewMemoryStore()
	c := NewCachedStore(inner, 4, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, WorksKey, []byte(`[]`)))
	assert.Equal(t, 1, c.Len())

	// 绕过缓存修改底层，缓存仍返回旧值
	require.NoError(t, inner.Set(ctx, WorksKey, []byte(`[1]`)))
	v, err := c.Get(ctx, WorksKey)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(v))

	c.Purge()
	v, err = c.Get(ctx, WorksKey)
	require.NoError(t, err)
	assert.Equal(t, `[1]`, string(v))
}

func TestCachedStoreDropsEntryOnFailedWrite(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Set(ctx, DraftKey, []byte(`"old"`)))

	c := NewCachedStore(failingKV{inner}, 4, time.Minute)
	_, err := c.Get(ctx, DraftKey)
	require.NoError(t, err)
	assert.Error(t, c.Set(ctx, DraftKey, []byte(`"new"`)))
	assert.Equal(t, 0, c.Len())
}

// gatedKV 第一次 Get 读到值之后停住，直到 release 关闭
type gatedKV struct {
	KV
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (g *gatedKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := g.KV.Get(ctx, key)
	g.once.Do(func() {
		close(g.read)
		<-g.release
	})
	return v, err
}

func TestCachedStoreSkipsFillAfterConcurrentWrite(t *testing.T) {
	for name, write := range map[string]func(c *CachedStore) error{
		"set":    func(c *CachedStore) error { return c.Set(context.Background(), WorksKey, []byte(`[2]`)) },
		"delete": func(c *CachedStore) error { return c.Delete(context.Background(), WorksKey) },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inner := NewMemoryStore()
			require.NoError(t, inner.Set(ctx, WorksKey, []byte(`[1]`)))
			gated := &gatedKV{KV: inner, read: make(chan struct{}), release: make(chan struct{})}
			c := NewCachedStore(gated, 4, time.Minute)

			done := make(chan []byte)
			go func() {
				v, _ := c.Get(ctx, WorksKey)
				done <- v
			}()

			<-gated.read
			require.NoError(t, write(c))
			close(gated.release)
			assert.Equal(t, `[1]`, string(<-done), "读取在写入之前开始，返回旧值")

			v, err := c.Get(ctx, WorksKey)
			if name == "delete" {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, `[2]`, string(v), "旧值不能回填到缓存")
		})
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	kv := NewMemoryStore()

	type rec struct {
		Title string `json:"title"`
	}
	_, found, err := GetJSON[rec](ctx, kv, DraftKey)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, kv, DraftKey, rec{Title: "月光"}))
	got, found, err := GetJSON[rec](ctx, kv, DraftKey)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "月光", got.Title)

	require.NoError(t, kv.Set(ctx, WorksKey, []byte("{broken")))
	_, _, err = GetJSON[[]rec](ctx, kv, WorksKey)
	assert.True(t, apperrors.IsStorageError(err))

	err = SetJSON(ctx, failingKV{kv}, DraftKey, rec{})
	assert.True(t, apperrors.IsStorageError(err))
}

func TestOpenBackends(t *testing.T) {
	for _, backend := range []string{config.BackendFile, config.BackendSQLite} {
		cfg := config.Default()
		cfg.DataDir = t.TempDir()
		cfg.StoreBackend = backend

		kv, err := Open(cfg)
		require.NoError(t, err, backend)
		require.NoError(t, kv.Set(context.Background(), DraftKey, []byte(`{}`)))
		require.NoError(t, kv.Close())
	}
}
