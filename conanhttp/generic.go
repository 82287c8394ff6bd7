package conanhttp

import (
	"io"
	"net/http"

	"github.com/conanrepo/core/path"
	"github.com/conanrepo/core/storage"
)

// handleGenericGet answers GET <key> by streaming the blob straight from
// storage.
func handleGenericGet(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		key := genericKey(r)
		if err := path.ValidateKey(key); err != nil {
			respondText(w, http.StatusBadRequest, "bad key")
			return
		}

		rc, modified, err := s.store.Open(s.ctx(r), key)
		if err != nil {
			if storage.IsKeyNotFound(err) {
				respondNotFound(w, r.URL.Path)
				return
			}
			respondFault(w, "StoreFault")
			return
		}
		defer rc.Close()

		w.Header().Set("Last-Modified", modified.UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, rc)
	}
}

// handleGenericHead answers HEAD <key> with existence/metadata only.
func handleGenericHead(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		key := genericKey(r)
		if err := path.ValidateKey(key); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		exists, err := s.store.Exists(s.ctx(r), key)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}
}

// handleGenericPut answers PUT <key> by writing the request body verbatim.
func handleGenericPut(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		key := genericKey(r)
		if err := path.ValidateKey(key); err != nil {
			respondText(w, http.StatusBadRequest, "bad key")
			return
		}
		defer r.Body.Close()

		data, err := io.ReadAll(r.Body)
		if err != nil {
			respondText(w, http.StatusBadRequest, "could not read request body")
			return
		}

		if err := s.store.Put(s.ctx(r), key, data); err != nil {
			respondFault(w, "StoreFault")
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

// handleGenericDelete answers DELETE <key>.
func handleGenericDelete(s *server) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		key := genericKey(r)
		if err := path.ValidateKey(key); err != nil {
			respondText(w, http.StatusBadRequest, "bad key")
			return
		}

		existed, err := s.store.Delete(s.ctx(r), key)
		if err != nil {
			respondFault(w, "StoreFault")
			return
		}
		if !existed {
			respondNotFound(w, r.URL.Path)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func genericKey(r *http.Request) string {
	return r.URL.Query().Get(genericKeyParam)
}

// addCORS sets the headers needed for cross-origin Conan clients.
func addCORS(next httpHandler) httpHandler {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next(w, r)
	}
}
