package conanhttp

import "regexp"

// pattern pairs a compiled regex bearing named captures with the method it
// answers: one entry per Conan-specific URL form, method + regex. The
// router tries these in order before falling through to the generic blob
// GET/PUT routes.
type pattern struct {
	method string
	op     string
	regexp *regexp.Regexp
	handle func(*server) httpHandler
}

// Named capture groups used across the patterns below.
const (
	capturePath = "path"
	captureHash = "hash"
	captureRev  = "rev"
	captureName = "name"
)

var patterns []pattern

func addPattern(method, op, expr string, handle func(*server) httpHandler) {
	patterns = append(patterns, pattern{
		method: method,
		op:     op,
		regexp: regexp.MustCompile(expr),
		handle: handle,
	})
}

func init() {
	addPattern("GET", "ping", `^v1/ping$`, handlePing)
	addPattern("GET", "usersAuthenticate", `^v1/users/authenticate$`, handleUsersAuthenticate)
	addPattern("GET", "usersCheckCredentials", `^v1/users/check_credentials$`, handleUsersCheckCredentials)
	addPattern("GET", "searchRecipes", `^v1/conans/search$`, handleSearchRecipes)
	addPattern("PUT", "uploadURLs", `^v1/conans/(?P<path>.*)/upload_urls$`, handleUploadURLs)
	addPattern("GET", "downloadBinaryURLs", `^v1/conans/(?P<path>.*)/packages/(?P<hash>[0-9a-f]+)/download_urls$`, handleDownloadBinaryURLs)
	addPattern("GET", "packageInfo", `^v1/conans/(?P<path>.*)/packages/(?P<hash>[0-9a-f]+)$`, handlePackageInfo)
	addPattern("GET", "downloadRecipeURLs", `^v1/conans/(?P<path>.*)/download_urls$`, handleDownloadRecipeURLs)
	addPattern("GET", "searchBinaries", `^v1/conans/(?P<path>.*)/search$`, handleSearchBinaries)
	addPattern("GET", "latestRecipeRevision", `^v2/conans/(?P<path>.*)/latest$`, handleLatestRecipeRevision)
	addPattern("GET", "recipeRevisionFile", `^v2/conans/(?P<path>.*)/revisions/(?P<rev>[0-9]+)/files/(?P<name>[^/]+)$`, handleRecipeRevisionFile)
	addPattern("GET", "recipeRevisionFiles", `^v2/conans/(?P<path>.*)/revisions/(?P<rev>[0-9]+)/files$`, handleRecipeRevisionFiles)
	addPattern("GET", "binaryRevisionFile", `^v2/conans/(?P<path>.*)/packages/(?P<hash>[0-9a-f]+)/revisions/(?P<rev>[0-9]+)/files/(?P<name>[^/]+)$`, handleBinaryRevisionFile)
	addPattern("GET", "binaryRevisionFiles", `^v2/conans/(?P<path>.*)/packages/(?P<hash>[0-9a-f]+)/revisions/(?P<rev>[0-9]+)/files$`, handleBinaryRevisionFiles)
}

// matchNamed runs re against path and returns the named captures, or nil
// if it doesn't match.
func matchNamed(re *regexp.Regexp, path string) map[string]string {
	m := re.FindStringSubmatch(path)
	if m == nil {
		return nil
	}
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		out[name] = m[i]
	}
	return out
}
