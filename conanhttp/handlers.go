package conanhttp

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/conanrepo/core/ini"
	"github.com/conanrepo/core/path"
	"github.com/conanrepo/core/revindex"
	"github.com/conanrepo/core/storage"
)

// handlePing answers GET /v1/ping.
func handlePing(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Conan-Server-Capabilities", "complex_search,revisions")
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleUsersAuthenticate and handleUsersCheckCredentials answer the two
// /v1/users/* endpoints. The router's capability check has already run
// by the time these execute; they only need to acknowledge.
func handleUsersAuthenticate(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, struct{}{})
	}
}

func handleUsersCheckCredentials(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, struct{}{})
	}
}

// handleSearchRecipes answers GET /v1/conans/search?q=...
func handleSearchRecipes(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		question := r.URL.Query().Get("q")

		keys, err := s.store.List(s.ctx(r), "")
		if err != nil {
			respondFault(w, "StoreFault")
			return
		}

		const marker = "/0/export/"
		seen := map[string]struct{}{}
		var results []string
		for _, key := range keys {
			idx := strings.Index(key, marker)
			if idx <= 0 {
				continue
			}
			recipe := key[:idx]
			if extra := strings.Index(recipe, "/_/_"); extra >= 0 {
				recipe = recipe[:extra]
			}
			if !strings.Contains(recipe, question) {
				continue
			}
			if _, ok := seen[recipe]; ok {
				continue
			}
			seen[recipe] = struct{}{}
			results = append(results, recipe)
		}

		respondJSON(w, http.StatusOK, struct {
			Results []string `json:"results"`
		}{Results: results})
	}
}

// handleSearchBinaries answers GET /v1/conans/<coord>/search.
func handleSearchBinaries(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}

		prefix := path.PackagesDir(coord, 0) + "/"
		keys, err := s.store.List(s.ctx(r), prefix)
		if err != nil {
			respondFault(w, "StoreFault")
			return
		}

		var infoKey, hash string
		for _, key := range keys {
			if strings.HasSuffix(key, "/conaninfo.txt") {
				infoKey = key
				hash = extractHash(prefix, key)
				break
			}
		}
		if infoKey == "" {
			respondNotFound(w, r.URL.Path)
			return
		}

		data, err := s.store.Get(s.ctx(r), infoKey)
		if err != nil {
			respondFault(w, "StoreFault")
			return
		}

		doc, err := ini.Parse(string(data))
		if err != nil {
			respondFault(w, "StoreFault")
			return
		}

		pkg := map[string]interface{}{}
		for _, section := range doc.Sections() {
			if section == "recipe_hash" {
				continue
			}
			values := map[string]string{}
			for _, key := range doc.Keys(section) {
				v, _ := doc.Get(section, key)
				values[key] = v
			}
			pkg[section] = values
		}
		if keys := doc.Keys("recipe_hash"); len(keys) > 0 {
			pkg["recipe_hash"] = keys[0]
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{hash: pkg})
	}
}

func extractHash(prefix, key string) string {
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return rest
	}
	return rest[:idx]
}

// handleDownloadRecipeURLs answers GET /v1/conans/<coord>/download_urls.
func handleDownloadRecipeURLs(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}

		urls := map[string]string{}
		for _, name := range revindex.PkgSrcList {
			key, err := path.RecipeKey(coord, 0, name)
			if err != nil {
				continue
			}
			exists, err := s.store.Exists(s.ctx(r), key)
			if err != nil {
				respondFault(w, "StoreFault")
				return
			}
			if exists {
				urls[name] = "http://" + r.Host + "/" + key
			}
		}

		if len(urls) == 0 {
			respondNotFound(w, r.URL.Path)
			return
		}
		respondJSON(w, http.StatusOK, urls)
	}
}

// handleDownloadBinaryURLs answers
// GET /v1/conans/<coord>/packages/<hash>/download_urls.
func handleDownloadBinaryURLs(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}
		hash := caps[captureHash]
		if err := path.ValidateHash(hash); err != nil {
			respondText(w, http.StatusBadRequest, "bad hash")
			return
		}

		urls := map[string]string{}
		for _, name := range revindex.PkgBinList {
			key, err := path.BinaryKey(coord, 0, hash, 0, name)
			if err != nil {
				continue
			}
			exists, err := s.store.Exists(s.ctx(r), key)
			if err != nil {
				respondFault(w, "StoreFault")
				return
			}
			if exists {
				urls[name] = "http://" + r.Host + "/" + key
			}
		}

		if len(urls) == 0 {
			respondNotFound(w, r.URL.Path)
			return
		}
		respondJSON(w, http.StatusOK, urls)
	}
}

// handlePackageInfo answers GET /v1/conans/<coord>/packages/<hash>
// with an MD5 digest per canonical binary file.
func handlePackageInfo(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}
		hash := caps[captureHash]
		if err := path.ValidateHash(hash); err != nil {
			respondText(w, http.StatusBadRequest, "bad hash")
			return
		}

		digests := map[string]interface{}{}
		found := false
		for _, name := range revindex.PkgBinList {
			key, err := path.BinaryKey(coord, 0, hash, 0, name)
			if err != nil {
				continue
			}
			exists, err := s.store.Exists(s.ctx(r), key)
			if err != nil {
				respondFault(w, "StoreFault")
				return
			}
			if !exists {
				digests[name] = nil
				continue
			}
			found = true
			data, err := s.store.Get(s.ctx(r), key)
			if err != nil {
				respondFault(w, "StoreFault")
				return
			}
			sum := md5.Sum(data)
			digests[name] = hex.EncodeToString(sum[:])
		}

		if !found {
			respondNotFound(w, r.URL.Path)
			return
		}
		respondJSON(w, http.StatusOK, digests)
	}
}

// handleUploadURLs answers PUT /v1/conans/<coord>/upload_urls.
func handleUploadURLs(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coordPath := caps[capturePath]
		if err := path.ValidateKey(coordPath); err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}

		existing, err := s.store.List(s.ctx(r), coordPath+"/")
		if err != nil {
			respondFault(w, "StoreFault")
			return
		}
		if len(existing) > 0 {
			respondText(w, http.StatusNotFound, coordPath+" already exists.")
			return
		}

		var filenames map[string]string
		if err := json.NewDecoder(r.Body).Decode(&filenames); err != nil {
			respondText(w, http.StatusBadRequest, "malformed request body")
			return
		}

		urls := map[string]string{}
		for name := range filenames {
			urls[name] = "http://" + r.Host + "/" + coordPath + "/0/export/" + name + "?signature=0"
		}
		respondJSON(w, http.StatusOK, urls)
	}
}

// handleLatestRecipeRevision answers GET /v2/conans/<coord>/latest.
func handleLatestRecipeRevision(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}

		doc, err := latestEntry(s, r, coord.String())
		if err != nil {
			respondFault(w, "StoreFault")
			return
		}
		if doc == nil {
			respondNotFound(w, r.URL.Path)
			return
		}
		respondJSON(w, http.StatusOK, doc)
	}
}

func latestEntry(s *server, r *http.Request, dir string) (*revindex.Entry, error) {
	key := dir + "/" + revindex.IndexFileName
	exists, err := s.store.Exists(s.ctx(r), key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	data, err := s.store.Get(s.ctx(r), key)
	if err != nil {
		if storage.IsKeyNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var document revindex.Document
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, err
	}
	if len(document.Revisions) == 0 {
		return nil, nil
	}
	sort.Slice(document.Revisions, func(i, j int) bool {
		ri, _ := strconv.Atoi(document.Revisions[i].Revision)
		rj, _ := strconv.Atoi(document.Revisions[j].Revision)
		return ri < rj
	})
	latest := document.Revisions[len(document.Revisions)-1]
	return &latest, nil
}

// handleRecipeRevisionFiles answers
// GET /v2/conans/<coord>/revisions/<rev>/files.
func handleRecipeRevisionFiles(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}
		rev, err := strconv.Atoi(caps[captureRev])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad revision")
			return
		}

		dir := path.RecipeRevisionDir(coord, rev) + "/export/"
		listFiles(s, w, r, dir)
	}
}

// handleRecipeRevisionFile answers
// GET /v2/conans/<coord>/revisions/<rev>/files/<name>.
func handleRecipeRevisionFile(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}
		rev, err := strconv.Atoi(caps[captureRev])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad revision")
			return
		}

		key, err := path.RecipeKey(coord, rev, caps[captureName])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad file name")
			return
		}
		streamFile(s, w, r, key)
	}
}

// handleBinaryRevisionFiles answers
// GET /v2/conans/<coord>/packages/<hash>/revisions/<binRev>/files.
func handleBinaryRevisionFiles(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}
		hash := caps[captureHash]
		if err := path.ValidateHash(hash); err != nil {
			respondText(w, http.StatusBadRequest, "bad hash")
			return
		}
		binRev, err := strconv.Atoi(caps[captureRev])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad revision")
			return
		}

		dir := path.BinaryDir(coord, 0, hash) + "/" + strconv.Itoa(binRev) + "/"
		listFiles(s, w, r, dir)
	}
}

// handleBinaryRevisionFile answers
// GET /v2/conans/<coord>/packages/<hash>/revisions/<binRev>/files/<name>.
func handleBinaryRevisionFile(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		caps := captures(r)
		coord, err := path.ParseCoordinate(caps[capturePath])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad coordinate")
			return
		}
		hash := caps[captureHash]
		if err := path.ValidateHash(hash); err != nil {
			respondText(w, http.StatusBadRequest, "bad hash")
			return
		}
		binRev, err := strconv.Atoi(caps[captureRev])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad revision")
			return
		}

		key, err := path.BinaryKey(coord, 0, hash, binRev, caps[captureName])
		if err != nil {
			respondText(w, http.StatusBadRequest, "bad file name")
			return
		}
		streamFile(s, w, r, key)
	}
}

func listFiles(s *server, w http.ResponseWriter, r *http.Request, dir string) {
	keys, err := s.store.List(s.ctx(r), dir)
	if err != nil {
		respondFault(w, "StoreFault")
		return
	}
	if len(keys) == 0 {
		respondNotFound(w, r.URL.Path)
		return
	}

	names := make([]string, 0, len(keys))
	for _, key := range keys {
		names = append(names, strings.TrimPrefix(key, dir))
	}
	sort.Strings(names)

	respondJSON(w, http.StatusOK, struct {
		Files []string `json:"files"`
	}{Files: names})
}

func streamFile(s *server, w http.ResponseWriter, r *http.Request, key string) {
	data, err := s.store.Get(s.ctx(r), key)
	if err != nil {
		if storage.IsKeyNotFound(err) {
			respondNotFound(w, r.URL.Path)
			return
		}
		respondFault(w, "StoreFault")
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
