// Package auth implements the capability-check contract the router
// consults before dispatching a request: check(request, action) ->
// ALLOW | NEED_AUTH | DENY.
//
// The policy provider is a directory of small JSON policy files, each
// holding an array of per-coordinate-prefix policies, loaded at startup
// and watched for changes.
package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Action is the capability a route requires.
type Action int

// The two capabilities routes can demand: GET maps to READ, PUT/POST/
// DELETE map to WRITE.
const (
	Read Action = iota
	Write
)

// Decision is the outcome of a capability check.
type Decision int

// Allow lets the request through. NeedAuth means no credentials were
// presented (401). Deny means credentials were presented but are
// insufficient (403).
const (
	Allow Decision = iota
	NeedAuth
	Deny
)

// PolicyExt is the file extension a policy file must carry to be loaded.
const PolicyExt = ".conanpolicy"

// Policy grants a set of actions to a coordinate prefix for credentials
// matching Principal (an empty Principal matches every caller, with or
// without credentials).
type Policy struct {
	Prefix    string   `json:"prefix"`
	Principal string   `json:"principal"`
	Actions   []string `json:"actions"`
}

func (p Policy) allows(action Action) bool {
	want := actionName(action)
	for _, a := range p.Actions {
		if a == want {
			return true
		}
	}
	return false
}

func actionName(a Action) string {
	if a == Write {
		return "WRITE"
	}
	return "READ"
}

// Checker is the capability-check contract the router consults.
type Checker interface {
	Check(r *http.Request, action Action) Decision
}

// ErrLoadFailed is returned when the policy directory cannot be walked.
var ErrLoadFailed = errors.New("policy load failed")

// DiskProvider loads *.conanpolicy files from a directory and answers
// capability checks against them. It watches the directory with fsnotify
// so policy edits take effect without a restart.
type DiskProvider struct {
	mu       sync.RWMutex
	dir      string
	policies []Policy
	watcher  *fsnotify.Watcher
}

// NewDiskProvider loads every policy file under dir and starts watching
// it for changes.
func NewDiskProvider(dir string) (*DiskProvider, error) {
	p := &DiskProvider{dir: dir}
	if err := p.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	p.watcher = watcher
	go p.watch()

	return p, nil
}

// Close stops the directory watch.
func (p *DiskProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	return p.watcher.Close()
}

func (p *DiskProvider) watch() {
	for range p.watcher.Events {
		p.reload()
	}
}

func (p *DiskProvider) reload() error {
	var policies []Policy

	err := filepath.Walk(p.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != p.dir && info.IsDir() {
			return filepath.SkipDir
		}
		if filepath.Ext(path) != PolicyExt {
			return nil
		}
		loaded, err := loadPolicies(path)
		if err != nil {
			return err
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return ErrLoadFailed
	}

	p.mu.Lock()
	p.policies = policies
	p.mu.Unlock()
	return nil
}

func loadPolicies(path string) ([]Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var policies []Policy
	if err := json.NewDecoder(f).Decode(&policies); err != nil {
		return nil, err
	}
	return policies, nil
}

// Check implements Checker. It matches the request's URL path against
// each policy's coordinate prefix and the Basic-auth username (if any)
// against Principal; the most specific matching prefix wins.
func (p *DiskProvider) Check(r *http.Request, action Action) Decision {
	p.mu.RLock()
	policies := p.policies
	p.mu.RUnlock()

	principal, _, hasAuth := r.BasicAuth()

	var best *Policy
	for i := range policies {
		pol := &policies[i]
		if !strings.HasPrefix(strings.TrimPrefix(r.URL.Path, "/"), pol.Prefix) {
			continue
		}
		if pol.Principal != "" && pol.Principal != principal {
			continue
		}
		if best == nil || len(pol.Prefix) > len(best.Prefix) {
			best = pol
		}
	}

	if best == nil {
		// No policy names this path: default-allow anonymous reads,
		// require auth for writes.
		if action == Read {
			return Allow
		}
		if !hasAuth {
			return NeedAuth
		}
		return Deny
	}

	if best.allows(action) {
		return Allow
	}
	if !hasAuth {
		return NeedAuth
	}
	return Deny
}

// Free is a Checker that allows everything, for tests and single-user
// deployments.
type Free struct{}

// Check implements Checker.
func (Free) Check(*http.Request, Action) Decision {
	return Allow
}
