// Package revindex rebuilds and serves the revisions.txt index files that
// Conan clients rely on to discover recipe and binary revisions.
//
// The rebuild algorithm (BuildIndex) and the public facade (Index) list
// candidate revision directories, validate each against a canonical file
// set, and rewrite the index atomically under a per-coordinate lock.
package revindex

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/conanrepo/core/lock"
	"github.com/conanrepo/core/path"
	"github.com/conanrepo/core/storage"
)

// ErrIndexFault wraps a blob-store fault encountered while listing or
// writing an index. A missing file is not an error, but a store fault
// during listing or the final write is.
var ErrIndexFault = errors.New("index fault")

// IsIndexFault reports whether err is ErrIndexFault.
func IsIndexFault(err error) bool {
	switch err.(type) {
	case nil:
		return false
	}
	return err == ErrIndexFault
}

// IndexFileName is the name of the revision-index file written under a
// coordinate or binary directory.
const IndexFileName = "revisions.txt"

// PkgSrcList is the canonical set of recipe files, in the order Conan
// clients expect to see them checked.
var PkgSrcList = []string{"conanmanifest.txt", "conan_export.tgz", "conanfile.py", "conan_sources.tgz"}

// PkgBinList is the canonical set of binary files.
var PkgBinList = []string{"conanmanifest.txt", "conaninfo.txt", "conan_package.tgz"}

// Entry is one row of a revisions.txt document.
type Entry struct {
	Revision string `json:"revision"`
	Time     string `json:"time"`
}

// Document is the JSON shape of revisions.txt.
type Document struct {
	Revisions []Entry `json:"revisions"`
}

// keyFunc builds the storage key for one canonical file at a candidate
// revision.
type keyFunc func(filename string, rev int) string

// BuildIndex rebuilds one revisions.txt:
//  1. list dir,
//  2. extract integer-named immediate subdirectories as candidates,
//  3. keep candidates where every canonical file exists,
//  4. stamp each survivor with the current time,
//  5. write the document atomically via a temp key + Move.
//
// now is injected so callers (and tests) control the timestamp instead of
// each call reaching for the wall clock independently.
func BuildIndex(ctx context.Context, store storage.Blob, dir string, canonical []string, keyOf keyFunc, now time.Time) ([]int, error) {
	keys, err := store.List(ctx, dir)
	if err != nil {
		return nil, ErrIndexFault
	}

	candidates := extractRevisions(dir, keys)

	var valid []int
	for _, rev := range candidates {
		ok, err := revisionValid(ctx, store, rev, canonical, keyOf)
		if err != nil {
			return nil, ErrIndexFault
		}
		if ok {
			valid = append(valid, rev)
		}
	}
	sort.Ints(valid)

	if err := writeIndex(ctx, store, dir, valid, now); err != nil {
		return nil, ErrIndexFault
	}
	return valid, nil
}

func revisionValid(ctx context.Context, store storage.Blob, rev int, canonical []string, keyOf keyFunc) (bool, error) {
	for _, name := range canonical {
		ok, err := store.Exists(ctx, keyOf(name, rev))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// extractRevisions extracts the set of immediate child-directory names
// under base that parse as non-negative integers.
func extractRevisions(base string, keys []string) []int {
	seen := map[int]struct{}{}
	for _, key := range keys {
		subdir := nextSubdir(base, key)
		if subdir == "" {
			continue
		}
		rev, err := strconv.Atoi(subdir)
		if err != nil || rev < 0 {
			continue
		}
		seen[rev] = struct{}{}
	}
	revs := make([]int, 0, len(seen))
	for rev := range seen {
		revs = append(revs, rev)
	}
	sort.Ints(revs)
	return revs
}

func nextSubdir(base, key string) string {
	if !strings.HasPrefix(key, base+"/") {
		return ""
	}
	rest := strings.TrimPrefix(key, base+"/")
	idx := strings.Index(rest, "/")
	if idx < 0 {
		return ""
	}
	return rest[:idx]
}

// tmpKeySeq makes every writeIndex call's temp key unique within the
// process, so concurrent rebuilds of the same dir (lock.Acquire is
// advisory, not a true mutex) never race to Move the same tmp key: each
// writer owns its own, and the last Move to complete simply wins.
var tmpKeySeq uint64

func writeIndex(ctx context.Context, store storage.Blob, dir string, revs []int, now time.Time) error {
	doc := Document{Revisions: make([]Entry, 0, len(revs))}
	stamp := now.UTC().Format("2006-01-02T15:04:05.000Z")
	for _, rev := range revs {
		doc.Revisions = append(doc.Revisions, Entry{
			Revision: strconv.Itoa(rev),
			Time:     stamp,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	indexKey := dir + "/" + IndexFileName
	seq := atomic.AddUint64(&tmpKeySeq, 1)
	tmpKey := indexKey + ".tmp." + strconv.FormatUint(seq, 36)
	if err := store.Put(ctx, tmpKey, data); err != nil {
		return err
	}
	return store.Move(ctx, tmpKey, indexKey)
}

// ReadIndex parses a revisions.txt and returns the revision integers in
// file order. A missing index is not an error: it returns an empty list,
// since readers must tolerate its transient absence.
func ReadIndex(ctx context.Context, store storage.Blob, dir string) ([]int, error) {
	key := dir + "/" + IndexFileName

	exists, err := store.Exists(ctx, key)
	if err != nil {
		return nil, ErrIndexFault
	}
	if !exists {
		return nil, nil
	}

	data, err := store.Get(ctx, key)
	if err != nil {
		if storage.IsKeyNotFound(err) {
			return nil, nil
		}
		return nil, ErrIndexFault
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, ErrIndexFault
	}

	out := make([]int, 0, len(doc.Revisions))
	for _, entry := range doc.Revisions {
		rev, err := strconv.Atoi(entry.Revision)
		if err != nil {
			continue
		}
		out = append(out, rev)
	}
	return out, nil
}

// AppendRevision adds rev to the index at dir without rescanning storage,
// used after a successful upload. It is a no-op if rev is already present.
func AppendRevision(ctx context.Context, store storage.Blob, dir string, rev int, now time.Time) error {
	existing, err := ReadIndex(ctx, store, dir)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r == rev {
			return nil
		}
	}
	existing = append(existing, rev)
	sort.Ints(existing)
	return writeIndex(ctx, store, dir, existing, now)
}

// RemoveRevision removes rev from the index at dir, reporting whether it
// was present.
func RemoveRevision(ctx context.Context, store storage.Blob, dir string, rev int, now time.Time) (bool, error) {
	existing, err := ReadIndex(ctx, store, dir)
	if err != nil {
		return false, err
	}
	out := existing[:0:0]
	removed := false
	for _, r := range existing {
		if r == rev {
			removed = true
			continue
		}
		out = append(out, r)
	}
	if !removed {
		return false, nil
	}
	return true, writeIndex(ctx, store, dir, out, now)
}

// RebuildObserver records the outcome of a revision-index rebuild. It lets
// callers (a metrics collector) observe rebuild activity without revindex
// depending on any observability package.
type RebuildObserver interface {
	ObserveRebuild(coordinate string, err error)
}

// Index is the public facade over the indexer for one package coordinate:
// it owns the coordinate's lock and composes recipe + per-binary rebuilds.
type Index struct {
	store    storage.Blob
	coord    path.Coordinate
	clock    func() time.Time
	observer RebuildObserver
}

// New returns an Index for coord.
func New(store storage.Blob, coord path.Coordinate) *Index {
	return &Index{store: store, coord: coord, clock: time.Now}
}

// WithClock overrides the time source used to stamp revisions.txt
// entries, for deterministic tests.
func (ix *Index) WithClock(clock func() time.Time) *Index {
	ix.clock = clock
	return ix
}

// WithObserver attaches a RebuildObserver that every rebuild (recipe or
// binary) reports its outcome to.
func (ix *Index) WithObserver(observer RebuildObserver) *Index {
	ix.observer = observer
	return ix
}

func (ix *Index) observeRebuild(err error) {
	if ix.observer != nil {
		ix.observer.ObserveRebuild(ix.coord.String(), err)
	}
}

func (ix *Index) recipeDir() string {
	return ix.coord.String()
}

func (ix *Index) binaryDir(recipeRev int, hash string) string {
	return path.BinaryDir(ix.coord, recipeRev, hash)
}

// AddRecipeRevision appends rev to the recipe index without scanning
// files, used after a successful recipe upload.
func (ix *Index) AddRecipeRevision(ctx context.Context, rev int) error {
	return lock.WithLock(ctx, ix.store, ix.recipeDir(), lock.DefaultTTL, func() error {
		return AppendRevision(ctx, ix.store, ix.recipeDir(), rev, ix.clock())
	})
}

// RemoveRecipeRevision removes rev from the recipe index, reporting
// whether it was present.
func (ix *Index) RemoveRecipeRevision(ctx context.Context, rev int) (bool, error) {
	var removed bool
	err := lock.WithLock(ctx, ix.store, ix.recipeDir(), lock.DefaultTTL, func() error {
		var err error
		removed, err = RemoveRevision(ctx, ix.store, ix.recipeDir(), rev, ix.clock())
		return err
	})
	return removed, err
}

// GetRecipeRevisions parses the recipe revisions.txt.
func (ix *Index) GetRecipeRevisions(ctx context.Context) ([]int, error) {
	return ReadIndex(ctx, ix.store, ix.recipeDir())
}

// GetBinaryRevisions parses a binary's revisions.txt.
func (ix *Index) GetBinaryRevisions(ctx context.Context, recipeRev int, hash string) ([]int, error) {
	return ReadIndex(ctx, ix.store, ix.binaryDir(recipeRev, hash))
}

// UpdateRecipeIndex rebuilds the recipe index by scanning storage, under
// the coordinate lock.
func (ix *Index) UpdateRecipeIndex(ctx context.Context) ([]int, error) {
	var revs []int
	err := lock.WithLock(ctx, ix.store, ix.recipeDir(), lock.DefaultTTL, func() error {
		var err error
		revs, err = BuildIndex(ctx, ix.store, ix.recipeDir(), PkgSrcList, func(name string, rev int) string {
			key, _ := path.RecipeKey(ix.coord, rev, name)
			return key
		}, ix.clock())
		return err
	})
	ix.observeRebuild(err)
	return revs, err
}

// UpdateBinaryIndex rebuilds a binary's revision index, scoped under the
// same coordinate lock used by the recipe rebuild, so binary-index rebuilds
// never interleave with a recipe rebuild for the same package.
func (ix *Index) UpdateBinaryIndex(ctx context.Context, recipeRev int, hash string) ([]int, error) {
	dir := ix.binaryDir(recipeRev, hash)
	var revs []int
	err := lock.WithLock(ctx, ix.store, ix.recipeDir(), lock.DefaultTTL, func() error {
		var err error
		revs, err = BuildIndex(ctx, ix.store, dir, PkgBinList, func(name string, rev int) string {
			key, _ := path.BinaryKey(ix.coord, recipeRev, hash, rev, name)
			return key
		}, ix.clock())
		return err
	})
	ix.observeRebuild(err)
	return revs, err
}

// FullUpdateError collects the binary-index failures from FullIndexUpdate,
// keyed by (recipe revision, hash), so that a fault in one binary does not
// hide the others.
type FullUpdateError struct {
	Failures map[string]error
}

func (e *FullUpdateError) Error() string {
	return "one or more binary index updates failed"
}

// FullIndexUpdate updates the recipe index, then for every recipe
// revision lists all binary hashes present and updates each binary index.
// Errors in one binary do not abort the others; they are collected and
// returned together via FullUpdateError.
func (ix *Index) FullIndexUpdate(ctx context.Context) ([]int, error) {
	recipeRevs, err := ix.UpdateRecipeIndex(ctx)
	if err != nil {
		return nil, err
	}

	failures := map[string]error{}
	for _, rev := range recipeRevs {
		hashes, err := ix.listBinaryHashes(ctx, rev)
		if err != nil {
			failures[strconv.Itoa(rev)] = err
			continue
		}
		for _, hash := range hashes {
			if _, err := ix.UpdateBinaryIndex(ctx, rev, hash); err != nil {
				failures[strconv.Itoa(rev)+"/"+hash] = err
			}
		}
	}

	if len(failures) > 0 {
		return recipeRevs, &FullUpdateError{Failures: failures}
	}
	return recipeRevs, nil
}

func (ix *Index) listBinaryHashes(ctx context.Context, recipeRev int) ([]string, error) {
	dir := path.PackagesDir(ix.coord, recipeRev)
	keys, err := ix.store.List(ctx, dir)
	if err != nil {
		return nil, ErrIndexFault
	}
	return extractHashes(dir, keys), nil
}

func extractHashes(base string, keys []string) []string {
	seen := map[string]struct{}{}
	for _, key := range keys {
		hash := nextSubdir(base, key)
		if hash == "" {
			continue
		}
		seen[hash] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for hash := range seen {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}
