package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseKV runs the shared KV contract against a backend.
func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, "auth_token")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Set(ctx, "auth_token", "tok-1"))
	require.NoError(t, kv.Set(ctx, "user", `{"id":"u1","username":"alice","email":"a@x"}`))

	v, ok, err := kv.Get(ctx, "auth_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-1", v)

	require.NoError(t, kv.Set(ctx, "auth_token", "tok-2"))
	v, _, err = kv.Get(ctx, "auth_token")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", v)

	require.NoError(t, kv.Delete(ctx, "auth_token", "user", "missing"))
	_, ok, err = kv.Get(ctx, "user")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, kv.Delete(ctx))
}

func fastKDF() KDFParams {
	return KDFParams{MemoryKiB: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	exerciseKV(t, m)

	require.NoError(t, m.Close())
	_, _, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemory_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewMemory().Set(ctx, "k", "v")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	f, err := NewFile(path)
	require.NoError(t, err)
	exerciseKV(t, f)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "empty store removes its file")
}

func TestFile_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	f1, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f1.Set(ctx, "auth_token", "tok"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	f2, err := NewFile(path)
	require.NoError(t, err)
	v, ok, err := f2.Get(ctx, "auth_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", v)
}

func TestFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	f, err := NewFile(path)
	require.NoError(t, err)
	_, _, err = f.Get(context.Background(), "auth_token")
	assert.Error(t, err)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	defer r.Close()

	exerciseKV(t, r)

	require.NoError(t, r.Set(context.Background(), "auth_token", "x"))
	got, err := mr.Get("test:auth_token")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}

func TestRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedis(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestSealed(t *testing.T) {
	inner := NewMemory()
	s, err := NewSealed(context.Background(), inner, "correct horse", fastKDF())
	require.NoError(t, err)
	exerciseKV(t, s)
}

func TestSealed_ValuesAreEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewSealed(ctx, inner, "correct horse", fastKDF())
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "auth_token", "secret-token"))

	raw, ok, err := inner.Get(ctx, "auth_token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotContains(t, raw, "secret-token")

	_, ok, err = inner.Get(ctx, SaltKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSealed_WrongPassphrase(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()

	s1, err := NewSealed(ctx, inner, "correct horse", fastKDF())
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, "auth_token", "secret"))

	s2, err := NewSealed(ctx, inner, "battery staple", fastKDF())
	require.NoError(t, err)
	_, _, err = s2.Get(ctx, "auth_token")
	assert.ErrorIs(t, err, ErrSealedOpen)

	s3, err := NewSealed(ctx, inner, "correct horse", fastKDF())
	require.NoError(t, err)
	v, ok, err := s3.Get(ctx, "auth_token")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret", v)
}

func TestSealed_SwappedValueFails(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewSealed(ctx, inner, "pw", fastKDF())
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "auth_token", "a"))
	raw, _, _ := inner.Get(ctx, "auth_token")
	require.NoError(t, inner.Set(ctx, "user", raw))

	_, _, err = s.Get(ctx, "user")
	assert.ErrorIs(t, err, ErrSealedOpen)
}

func TestSealed_PlaintextValueFails(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewSealed(ctx, inner, "pw", fastKDF())
	require.NoError(t, err)

	require.NoError(t, inner.Set(ctx, "auth_token", "plain"))
	_, _, err = s.Get(ctx, "auth_token")
	assert.ErrorIs(t, err, ErrSealedOpen)
}

func TestSealed_ReservedKey(t *testing.T) {
	ctx := context.Background()
	inner := NewMemory()
	s, err := NewSealed(ctx, inner, "pw", fastKDF())
	require.NoError(t, err)

	assert.Error(t, s.Set(ctx, SaltKey, "x"))
	require.NoError(t, s.Delete(ctx, SaltKey))
	_, ok, _ := inner.Get(ctx, SaltKey)
	assert.True(t, ok)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		kv, err := Open(ctx, Config{Kind: "memory"}, nil)
		require.NoError(t, err)
		_, ok := kv.(*Memory)
		assert.True(t, ok)
	})

	t.Run("file is default", func(t *testing.T) {
		kv, err := Open(ctx, Config{FilePath: filepath.Join(t.TempDir(), "s.json")}, nil)
		require.NoError(t, err)
		_, ok := kv.(*File)
		assert.True(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		kv, err := Open(ctx, Config{Kind: "redis", Redis: RedisConfig{Addr: mr.Addr()}}, nil)
		require.NoError(t, err)
		defer kv.Close()
		_, ok := kv.(*Redis)
		assert.True(t, ok)
	})

	t.Run("sealed when passphrase set", func(t *testing.T) {
		kv, err := Open(ctx, Config{Kind: "memory", Passphrase: "pw", KDF: fastKDF()}, nil)
		require.NoError(t, err)
		_, ok := kv.(*Sealed)
		assert.True(t, ok)
	})

	t.Run("unsupported", func(t *testing.T) {
		kv, err := Open(ctx, Config{Kind: "etcd"}, nil)
		assert.ErrorIs(t, err, ErrUnsupportedKind)
		assert.Nil(t, kv)
	})
}
