package conanhttp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conanrepo/core/auth"
	"github.com/conanrepo/core/conanhttp"
	"github.com/conanrepo/core/path"
	"github.com/conanrepo/core/storage/memory"
)

func seedFile(t *testing.T, store *memory.Store, key, body string) {
	t.Helper()
	require.NoError(t, store.Put(context.Background(), key, []byte(body)))
}

func TestPing(t *testing.T) {
	router := conanhttp.NewRouter(memory.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "complex_search,revisions", rec.Header().Get("X-Conan-Server-Capabilities"))
}

func TestUsersEndpointsAcknowledge(t *testing.T) {
	router := conanhttp.NewRouter(memory.New())

	for _, uri := range []string{"/v1/users/authenticate", "/v1/users/check_credentials"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, uri, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "{}", rec.Body.String())
	}
}

func TestRecipeDownloadURLs(t *testing.T) {
	store := memory.New()
	coord := path.NewCoordinate("zmqpp", "4.2.0", "", "")
	for _, name := range []string{"conan_export.tgz", "conanfile.py", "conanmanifest.txt"} {
		key, err := path.RecipeKey(coord, 0, name)
		require.NoError(t, err)
		seedFile(t, store, key, "x")
	}

	router := conanhttp.NewRouter(store)
	req := httptest.NewRequest(http.MethodGet, "/v1/conans/zmqpp/4.2.0/_/_/download_urls", nil)
	req.Host = "localhost"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]string{
		"conan_export.tgz":  "http://localhost/zmqpp/4.2.0/_/_/0/export/conan_export.tgz",
		"conanfile.py":       "http://localhost/zmqpp/4.2.0/_/_/0/export/conanfile.py",
		"conanmanifest.txt":  "http://localhost/zmqpp/4.2.0/_/_/0/export/conanmanifest.txt",
	}, got)
}

func TestRecipeDownloadURLsNotFoundWhenEmpty(t *testing.T) {
	router := conanhttp.NewRouter(memory.New())
	req := httptest.NewRequest(http.MethodGet, "/v1/conans/nope/1.0/_/_/download_urls", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not found")
}

func TestUploadURLAllocation(t *testing.T) {
	router := conanhttp.NewRouter(memory.New())

	body := bytes.NewBufferString(`{"conan_export.tgz":"","conanfile.py":"","conanmanifest.txt":""}`)
	req := httptest.NewRequest(http.MethodPut, "/v1/conans/zmqpp/4.2.0/_/_/upload_urls", body)
	req.Host = "localhost"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, map[string]string{
		"conan_export.tgz":  "http://localhost/zmqpp/4.2.0/_/_/0/export/conan_export.tgz?signature=0",
		"conanfile.py":      "http://localhost/zmqpp/4.2.0/_/_/0/export/conanfile.py?signature=0",
		"conanmanifest.txt": "http://localhost/zmqpp/4.2.0/_/_/0/export/conanmanifest.txt?signature=0",
	}, got)
}

func TestUploadURLAllocationRejectsExistingCoordinate(t *testing.T) {
	store := memory.New()
	coord := path.NewCoordinate("zmqpp", "4.2.0", "", "")
	key, err := path.RecipeKey(coord, 0, "conanfile.py")
	require.NoError(t, err)
	seedFile(t, store, key, "x")

	router := conanhttp.NewRouter(store)
	body := bytes.NewBufferString(`{"conanfile.py":""}`)
	req := httptest.NewRequest(http.MethodPut, "/v1/conans/zmqpp/4.2.0/_/_/upload_urls", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBinarySearch(t *testing.T) {
	store := memory.New()
	coord := path.NewCoordinate("zlib", "1.2.11", "", "")
	const hash = "6af9cc7cb931c5ad942174fd7838eb655717c709"
	key, err := path.BinaryKey(coord, 0, hash, 0, "conaninfo.txt")
	require.NoError(t, err)

	info := "[settings]\narch=x86_64\n[requires]\n[options]\n[full_settings]\n[full_requires]\n[full_options]\n[recipe_hash]\nabc123\n"
	seedFile(t, store, key, info)

	router := conanhttp.NewRouter(store)
	req := httptest.NewRequest(http.MethodGet, "/v1/conans/zlib/1.2.11/_/_/search", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Contains(t, got, hash)
	assert.Equal(t, "abc123", got[hash]["recipe_hash"])
	assert.Contains(t, got[hash], "settings")
}

func TestPackageInfoDigests(t *testing.T) {
	store := memory.New()
	coord := path.NewCoordinate("zlib", "1.2.11", "", "")
	const hash = "6af9cc7cb931c5ad942174fd7838eb655717c709"
	key, err := path.BinaryKey(coord, 0, hash, 0, "conanmanifest.txt")
	require.NoError(t, err)
	seedFile(t, store, key, "manifest-bytes")

	router := conanhttp.NewRouter(store)
	req := httptest.NewRequest(http.MethodGet, "/v1/conans/zlib/1.2.11/_/_/packages/"+hash, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotNil(t, got["conanmanifest.txt"])
	assert.Nil(t, got["conaninfo.txt"])
	assert.Nil(t, got["conan_package.tgz"])
}

func TestGenericGetPutRoundTrip(t *testing.T) {
	router := conanhttp.NewRouter(memory.New())

	putReq := httptest.NewRequest(http.MethodPut, "/zlib/1.2.11/_/_/0/export/conanfile.py", bytes.NewBufferString("content"))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusCreated, putRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/zlib/1.2.11/_/_/0/export/conanfile.py", nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)
	assert.Equal(t, "content", getRec.Body.String())
}

func TestGenericHeadAndDelete(t *testing.T) {
	router := conanhttp.NewRouter(memory.New())

	putReq := httptest.NewRequest(http.MethodPut, "/zlib/1.2.11/_/_/0/export/conanfile.py", bytes.NewBufferString("content"))
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	require.Equal(t, http.StatusCreated, putRec.Code)

	headRec := httptest.NewRecorder()
	router.ServeHTTP(headRec, httptest.NewRequest(http.MethodHead, "/zlib/1.2.11/_/_/0/export/conanfile.py", nil))
	assert.Equal(t, http.StatusOK, headRec.Code)

	delRec := httptest.NewRecorder()
	router.ServeHTTP(delRec, httptest.NewRequest(http.MethodDelete, "/zlib/1.2.11/_/_/0/export/conanfile.py", nil))
	assert.Equal(t, http.StatusOK, delRec.Code)

	headAgain := httptest.NewRecorder()
	router.ServeHTTP(headAgain, httptest.NewRequest(http.MethodHead, "/zlib/1.2.11/_/_/0/export/conanfile.py", nil))
	assert.Equal(t, http.StatusNotFound, headAgain.Code)
}

func TestGenericGetNotFound(t *testing.T) {
	router := conanhttp.NewRouter(memory.New())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/zlib/1.2.11/_/_/0/export/missing.txt", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLatestRecipeRevision(t *testing.T) {
	store := memory.New()
	coord := path.NewCoordinate("zlib", "1.2.11", "", "")
	seedFile(t, store, coord.String()+"/revisions.txt", `{"revisions":[{"revision":"0","time":"2024-01-02T03:04:05.000Z"},{"revision":"2","time":"2024-01-03T03:04:05.000Z"}]}`)

	router := conanhttp.NewRouter(store)
	req := httptest.NewRequest(http.MethodGet, "/v2/conans/zlib/1.2.11/_/_/latest", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Revision string `json:"revision"`
		Time     string `json:"time"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "2", got.Revision)
}

func TestRecipeRevisionFiles(t *testing.T) {
	store := memory.New()
	coord := path.NewCoordinate("zlib", "1.2.11", "", "")
	key, err := path.RecipeKey(coord, 3, "conanfile.py")
	require.NoError(t, err)
	seedFile(t, store, key, "recipe")

	router := conanhttp.NewRouter(store)
	req := httptest.NewRequest(http.MethodGet, "/v2/conans/zlib/1.2.11/_/_/revisions/3/files", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"conanfile.py"}, got.Files)
}

type stubChecker struct {
	decision auth.Decision
}

func (s stubChecker) Check(*http.Request, auth.Action) auth.Decision {
	return s.decision
}

func TestRouterRejectsWriteWithoutAuthWhenCheckerConfigured(t *testing.T) {
	router := conanhttp.NewRouter(memory.New(), conanhttp.WithChecker(stubChecker{decision: auth.NeedAuth}))

	req := httptest.NewRequest(http.MethodPut, "/v1/conans/zlib/1.2.11/_/_/upload_urls", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterDeniesWriteForInsufficientCredentials(t *testing.T) {
	router := conanhttp.NewRouter(memory.New(), conanhttp.WithChecker(stubChecker{decision: auth.Deny}))

	req := httptest.NewRequest(http.MethodPut, "/v1/conans/zlib/1.2.11/_/_/upload_urls", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRouterAllowsReadsWhenCheckerAllows(t *testing.T) {
	router := conanhttp.NewRouter(memory.New(), conanhttp.WithChecker(stubChecker{decision: auth.Allow}))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/ping", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
