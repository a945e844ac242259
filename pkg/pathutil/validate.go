// Package pathutil provides node path and name utilities for the content tree.
package pathutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
)

// Root is the path of every workspace's root node.
const Root = "/"

var nameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// ValidateName checks workspace and repository name safety.
func ValidateName(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}

	name = norm.NFC.String(name)

	if strings.Contains(name, "..") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain '..': %s", name)
	}
	if !nameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("name must match [a-zA-Z0-9._-]+: %s", name)
	}
	return nil
}

// Clean validates an absolute node path and returns its canonical form:
// NFC-normalized segments, no duplicate or trailing separators.
func Clean(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", errclass.ErrNameInvalid.WithMessagef("path must be absolute: %q", path)
	}
	path = norm.NFC.String(path)

	segments := make([]string, 0, strings.Count(path, "/"))
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return "", errclass.ErrNameInvalid.WithMessagef("path must not contain %q segments: %s", seg, path)
		}
		for _, r := range seg {
			if unicode.IsControl(r) {
				return "", errclass.ErrNameInvalid.WithMessagef("path must not contain control characters: %q", path)
			}
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return Root, nil
	}
	return "/" + strings.Join(segments, "/"), nil
}

// Parent returns the parent path, or "" for the root.
func Parent(path string) string {
	if path == Root || path == "" {
		return ""
	}
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return Root
	}
	return path[:i]
}

// Base returns the last segment of path.
func Base(path string) string {
	if path == Root {
		return ""
	}
	return path[strings.LastIndexByte(path, '/')+1:]
}

// Join appends a child name to a parent path.
func Join(parent, name string) string {
	if parent == Root {
		return Root + name
	}
	return parent + "/" + name
}

// Depth returns the number of segments below the root.
func Depth(path string) int {
	if path == Root {
		return 0
	}
	return strings.Count(path, "/")
}

// IsAtOrBelow reports whether path equals ancestor or lies beneath it.
func IsAtOrBelow(path, ancestor string) bool {
	if ancestor == Root || path == ancestor {
		return true
	}
	return strings.HasPrefix(path, ancestor+"/")
}

// IsBelow reports whether path lies strictly beneath ancestor.
func IsBelow(path, ancestor string) bool {
	return path != ancestor && IsAtOrBelow(path, ancestor)
}
