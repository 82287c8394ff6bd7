package auth_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conanrepo/core/auth"
)

func TestFreeAllowsEverything(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/conans/zlib/1.2.11/_/_/search", nil)
	assert.Equal(t, auth.Allow, auth.Free{}.Check(r, auth.Read))
	assert.Equal(t, auth.Allow, auth.Free{}.Check(r, auth.Write))
}

func writePolicyFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDiskProviderAllowsConfiguredReadToAnonymous(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "zlib.conanpolicy", `[{"prefix":"v1/conans/zlib","principal":"","actions":["READ"]}]`)

	p, err := auth.NewDiskProvider(dir)
	require.NoError(t, err)
	defer p.Close()

	r := httptest.NewRequest(http.MethodGet, "/v1/conans/zlib/1.2.11/_/_/search", nil)
	assert.Equal(t, auth.Allow, p.Check(r, auth.Read))
}

func TestDiskProviderDeniesWriteWithoutCredentials(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "zlib.conanpolicy", `[{"prefix":"v1/conans/zlib","principal":"","actions":["READ"]}]`)

	p, err := auth.NewDiskProvider(dir)
	require.NoError(t, err)
	defer p.Close()

	r := httptest.NewRequest(http.MethodPut, "/v1/conans/zlib/1.2.11/_/_/upload_urls", nil)
	assert.Equal(t, auth.NeedAuth, p.Check(r, auth.Write))
}

func TestDiskProviderDeniesWriteWithWrongCredentials(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "zlib.conanpolicy", `[{"prefix":"v1/conans/zlib","principal":"ci","actions":["READ","WRITE"]}]`)

	p, err := auth.NewDiskProvider(dir)
	require.NoError(t, err)
	defer p.Close()

	r := httptest.NewRequest(http.MethodPut, "/v1/conans/zlib/1.2.11/_/_/upload_urls", nil)
	r.SetBasicAuth("someoneelse", "pw")
	assert.Equal(t, auth.Deny, p.Check(r, auth.Write))
}

func TestDiskProviderAllowsWriteForMatchingPrincipal(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "zlib.conanpolicy", `[{"prefix":"v1/conans/zlib","principal":"ci","actions":["READ","WRITE"]}]`)

	p, err := auth.NewDiskProvider(dir)
	require.NoError(t, err)
	defer p.Close()

	r := httptest.NewRequest(http.MethodPut, "/v1/conans/zlib/1.2.11/_/_/upload_urls", nil)
	r.SetBasicAuth("ci", "pw")
	assert.Equal(t, auth.Allow, p.Check(r, auth.Write))
}

func TestDiskProviderUnconfiguredPathDefaultsReadOpenWriteAuthed(t *testing.T) {
	dir := t.TempDir()

	p, err := auth.NewDiskProvider(dir)
	require.NoError(t, err)
	defer p.Close()

	get := httptest.NewRequest(http.MethodGet, "/v1/conans/unknown/1.0/_/_/search", nil)
	assert.Equal(t, auth.Allow, p.Check(get, auth.Read))

	put := httptest.NewRequest(http.MethodPut, "/v1/conans/unknown/1.0/_/_/upload_urls", nil)
	assert.Equal(t, auth.NeedAuth, p.Check(put, auth.Write))
}
