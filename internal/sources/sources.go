// Package sources parses dist-git lookaside manifests, the "sources" files
// tracked alongside component spec files.
package sources

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/fedora-eln/distrobaker/internal/logging"
)

// HashType identifies the digest algorithm of a manifest entry.
type HashType string

const (
	MD5    HashType = "md5"
	SHA512 HashType = "sha512"
)

// Entry is a single manifest line: a tracked artifact and its digest. The
// same file may legitimately appear under several digests.
type Entry struct {
	File string
	Hash string
	Type HashType
}

// Set holds the distinct entries of one manifest.
type Set map[Entry]struct{}

// Old-style entries are "<md5>  <file>" with exactly two spaces; BSD-style
// entries are "SHA512 (<file>) = <hash>". Go's regexp cannot share group
// names across alternatives, so the two forms are matched separately.
var (
	md5Re    = regexp.MustCompile(`^([a-f0-9]{32})  (.+)$`)
	sha512Re = regexp.MustCompile(`^SHA512 \((.+)\) = ([a-f0-9]{128})$`)
)

// Parse reads the manifest at path. A missing file yields an empty set, as
// components without cached artifacts carry no manifest. Any unparseable
// non-blank line fails the whole parse.
func Parse(ctx context.Context, comp, ns, path string) (Set, error) {
	logger := logging.FromContext(ctx)
	src := Set{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.DebugContext(ctx, fmt.Sprintf("No sources file found for %s/%s.", ns, comp))
			return src, nil
		}
		return nil, errors.Wrapf(err, "open sources of %s/%s", ns, comp)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if m := md5Re.FindStringSubmatch(line); m != nil {
			src[Entry{File: m[2], Hash: m[1], Type: MD5}] = struct{}{}
			continue
		}
		if m := sha512Re.FindStringSubmatch(line); m != nil {
			src[Entry{File: m[1], Hash: m[2], Type: SHA512}] = struct{}{}
			continue
		}
		return nil, errors.Errorf("cannot parse %q from sources of %s/%s", line, ns, comp)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read sources of %s/%s", ns, comp)
	}
	return src, nil
}

// Diff returns the entries of s that are not present in other.
func (s Set) Diff(other Set) Set {
	d := Set{}
	for e := range s {
		if _, ok := other[e]; !ok {
			d[e] = struct{}{}
		}
	}
	return d
}

// Sorted returns the entries ordered by file, hash type and hash for
// deterministic iteration.
func (s Set) Sorted() []Entry {
	entries := make([]Entry, 0, len(s))
	for e := range s {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := strings.Compare(a.File, b.File); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.Type), string(b.Type)); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	})
	return entries
}
