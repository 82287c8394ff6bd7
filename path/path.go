// Package path builds and parses the canonical Conan storage keys: package
// coordinates, recipe revision paths and binary revision paths.
package path

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadKey is returned when a key or key component fails validation.
var ErrBadKey = errors.New("bad key")

// IsBadKey reports whether err is ErrBadKey.
func IsBadKey(err error) bool {
	switch err.(type) {
	case nil:
		return false
	}
	return err == ErrBadKey
}

// Default user/channel segment when a coordinate omits them.
const DefaultSegment = "_"

const (
	exportDir  = "export"
	packageDir = "package"
)

// Coordinate identifies a package by name/version/user/channel.
type Coordinate struct {
	Name    string
	Version string
	User    string
	Channel string
}

// NewCoordinate returns a Coordinate, substituting DefaultSegment for an
// empty user or channel.
func NewCoordinate(name, version, user, channel string) Coordinate {
	if user == "" {
		user = DefaultSegment
	}
	if channel == "" {
		channel = DefaultSegment
	}
	return Coordinate{Name: name, Version: version, User: user, Channel: channel}
}

// String renders the coordinate as its storage path.
func (c Coordinate) String() string {
	return strings.Join([]string{c.Name, c.Version, c.User, c.Channel}, "/")
}

// ParseCoordinate parses a slash-separated "path" capture from a Conan URL
// into a Coordinate. It rejects paths with the wrong number of segments or
// that fail ValidateKey.
func ParseCoordinate(raw string) (Coordinate, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 4 {
		return Coordinate{}, ErrBadKey
	}
	c := Coordinate{Name: parts[0], Version: parts[1], User: parts[2], Channel: parts[3]}
	if err := ValidateKey(c.String()); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// ValidateKey rejects keys containing "..", backslashes, or empty segments.
func ValidateKey(key string) error {
	if key == "" || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return ErrBadKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" {
			return ErrBadKey
		}
	}
	return nil
}

// RecipeKey returns the storage key for a recipe file: coord/rev/export/filename.
func RecipeKey(coord Coordinate, rev int, filename string) (string, error) {
	key := joinRevision(coord.String(), rev, exportDir, filename)
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// RecipeRevisionDir returns the directory a recipe revision's files live
// under: coord/rev.
func RecipeRevisionDir(coord Coordinate, rev int) string {
	return strings.Join([]string{coord.String(), strconv.Itoa(rev)}, "/")
}

// BinaryKey returns the storage key for a binary file:
// coord/recipeRev/package/hash/binRev/filename.
func BinaryKey(coord Coordinate, recipeRev int, hash string, binRev int, filename string) (string, error) {
	if err := ValidateHash(hash); err != nil {
		return "", err
	}
	key := strings.Join([]string{
		coord.String(), strconv.Itoa(recipeRev), packageDir, hash, strconv.Itoa(binRev), filename,
	}, "/")
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// BinaryDir returns the directory for all revisions of one binary hash:
// coord/recipeRev/package/hash.
func BinaryDir(coord Coordinate, recipeRev int, hash string) string {
	return strings.Join([]string{coord.String(), strconv.Itoa(recipeRev), packageDir, hash}, "/")
}

// PackagesDir returns the directory holding every binary hash for a recipe
// revision: coord/recipeRev/package.
func PackagesDir(coord Coordinate, recipeRev int) string {
	return strings.Join([]string{coord.String(), strconv.Itoa(recipeRev), packageDir}, "/")
}

// ValidateHash checks that hash matches [0-9a-f]+.
func ValidateHash(hash string) error {
	if hash == "" {
		return ErrBadKey
	}
	for _, r := range hash {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return ErrBadKey
		}
	}
	return nil
}

func joinRevision(base string, rev int, parts ...string) string {
	segs := append([]string{base, strconv.Itoa(rev)}, parts...)
	return strings.Join(segs, "/")
}
