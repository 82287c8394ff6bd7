// Package conanhttp implements the Conan v1 (and partial v2) HTTP API: the
// URL pattern registry, the request handlers that synthesize its JSON
// responses, and the router that dispatches to them.
//
// Every route is wrapped in the same metrics -> access-log chain, with a
// capability check added ahead of the handler.
package conanhttp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/conanrepo/core/auth"
	"github.com/conanrepo/core/storage"
)

type httpHandler = http.HandlerFunc

// server holds the dependencies every handler closes over: the blob
// store and the capability checker.
type server struct {
	store   storage.Blob
	checker auth.Checker
}

func (s *server) ctx(r *http.Request) context.Context {
	return r.Context()
}

const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
	contentTypeText   = "text/plain; charset=utf-8"
)

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set(headerContentType, contentTypeJSON)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondText(w http.ResponseWriter, code int, text string) {
	w.Header().Set(headerContentType, contentTypeText)
	w.WriteHeader(code)
	w.Write([]byte(text))
}

// respondNotFound writes the canonical "URI %s not found." body used by
// every handler that cannot locate its resource.
func respondNotFound(w http.ResponseWriter, uri string) {
	respondText(w, http.StatusNotFound, "URI "+uri+" not found.")
}

// respondFault writes a 5xx body carrying the error kind, no stack trace.
func respondFault(w http.ResponseWriter, kind string) {
	respondText(w, http.StatusInternalServerError, kind)
}
