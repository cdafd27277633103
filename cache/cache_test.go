package cache

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sqlite, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Provider{
		"sqlite": sqlite,
		"memory": NewMemoryProvider(10),
	}
}

func response(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(body)
}

func TestProviderPutGet(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := p.Get(ctx, "static-v1", "GET https://example.com/")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, p.Put(ctx, "static-v1", "GET https://example.com/", []byte("one")))
			require.NoError(t, p.Put(ctx, "static-v1", "GET https://example.com/", []byte("two")))
			bytes, ok, err := p.Get(ctx, "static-v1", "GET https://example.com/")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "two", string(bytes))

			// namespaces are separate
			_, ok, err = p.Get(ctx, "dynamic-v1", "GET https://example.com/")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, p.Delete(ctx, "static-v1", "GET https://example.com/"))
			_, ok, err = p.Get(ctx, "static-v1", "GET https://example.com/")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestProviderNamespaces(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, p.CreateNamespace(ctx, "static-v1"))
			require.NoError(t, p.CreateNamespace(ctx, "static-v1"))
			require.NoError(t, p.Put(ctx, "dynamic-v1", "k", []byte("v")))

			names, err := p.Namespaces(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"dynamic-v1", "static-v1"}, names)

			require.NoError(t, p.DeleteNamespace(ctx, "dynamic-v1"))
			names, err = p.Namespaces(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"static-v1"}, names)
			_, ok, err := p.Get(ctx, "dynamic-v1", "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestReclaimStale(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, ns := range []string{"static-v5", "dynamic-v5", "static-v6", "dynamic-v6", "images-v1"} {
				require.NoError(t, p.CreateNamespace(ctx, ns))
			}
			m, err := NewManager(p, Versions{Static: "v6", Dynamic: "v6"}, nil)
			require.NoError(t, err)

			deleted, err := m.ReclaimStale(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"static-v5", "dynamic-v5"}, deleted)

			names, err := p.Namespaces(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"static-v6", "dynamic-v6", "images-v1"}, names)
		})
	}
}

func TestReclaimStaleWithDifferentVersions(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(0)
	for _, ns := range []string{"static-v2", "dynamic-v2", "dynamic-v3"} {
		require.NoError(t, p.CreateNamespace(ctx, ns))
	}
	deleted, err := ReclaimStale(ctx, p,
		Namespace{Role: Static, Version: "v2"},
		Namespace{Role: Dynamic, Version: "v3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dynamic-v2"}, deleted)
}

func TestManagerGetPut(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m, err := NewManager(p, Versions{Static: "v1", Dynamic: "v1"}, nil)
			require.NoError(t, err)
			h, err := m.Open(ctx, Static)
			require.NoError(t, err)
			assert.Equal(t, "static-v1", h.Name())

			req, _ := http.NewRequest("GET", "https://example.com/app.js", nil)
			_, ok := m.Get(ctx, h, req)
			assert.False(t, ok)

			res := response("console.log(1)")
			require.NoError(t, m.Put(ctx, h, req, res))
			// the response stays readable after put
			assert.Equal(t, "console.log(1)", readBody(t, res))

			cached, ok := m.Get(ctx, h, req)
			require.True(t, ok)
			assert.Equal(t, http.StatusOK, cached.StatusCode)
			assert.Equal(t, "text/plain", cached.Header.Get("Content-Type"))
			assert.Equal(t, "console.log(1)", readBody(t, cached))

			// exact key: other methods and URLs miss
			head, _ := http.NewRequest("HEAD", "https://example.com/app.js", nil)
			_, ok = m.Get(ctx, h, head)
			assert.False(t, ok)
			other, _ := http.NewRequest("GET", "https://example.com/app.js?v=2", nil)
			_, ok = m.Get(ctx, h, other)
			assert.False(t, ok)
		})
	}
}

func TestManagerPurgesCorruptedEntries(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider(0)
	m, err := NewManager(p, Versions{Static: "v1", Dynamic: "v1"}, nil)
	require.NoError(t, err)
	h, err := m.Open(ctx, Dynamic)
	require.NoError(t, err)

	req, _ := http.NewRequest("GET", "https://example.com/data", nil)
	require.NoError(t, p.Put(ctx, h.Name(), "GET https://example.com/data", []byte("garbage")))

	_, ok := m.Get(ctx, h, req)
	assert.False(t, ok)
	_, ok, err = p.Get(ctx, h.Name(), "GET https://example.com/data")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVersionsValidate(t *testing.T) {
	assert.NoError(t, Versions{Static: "v6", Dynamic: "v6"}.Validate())
	assert.Error(t, Versions{Static: "v6"}.Validate())
	assert.Error(t, Versions{Static: "v 6", Dynamic: "v6"}.Validate())

	_, err := NewManager(NewMemoryProvider(0), Versions{}, nil)
	assert.Error(t, err)
}

func TestParseNamespace(t *testing.T) {
	ns, ok := ParseNamespace("static-v6")
	require.True(t, ok)
	assert.Equal(t, Namespace{Role: Static, Version: "v6"}, ns)

	ns, ok = ParseNamespace("dynamic-2024-01")
	require.True(t, ok)
	assert.Equal(t, "2024-01", ns.Version)

	_, ok = ParseNamespace("workbox-precache")
	assert.False(t, ok)
}

func TestStoreErrorKind(t *testing.T) {
	err := storeError("put", "static-v1", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "static-v1")
	assert.NoError(t, storeError("put", "static-v1", nil))
}
