// Package lookaside moves source artifacts between dist-git lookaside
// caches. Backends implement the same capability triple: a presence probe,
// a digest-verified download and an upload.
package lookaside

import (
	"context"
	"crypto/md5"  // #nosec G501 - dist-git manifests still carry md5 digests
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/fedora-eln/distrobaker/internal/config"
	"github.com/fedora-eln/distrobaker/internal/sources"
)

// Cache is one lookaside cache endpoint. The digest type is threaded through
// every call; a manifest may mix digest types and the cache must not guess
// them from hex lengths.
type Cache interface {
	// Exists reports whether name's artifact with the given digest is
	// already present.
	Exists(ctx context.Context, name, filename, hash string, ht sources.HashType) (bool, error)
	// Download fetches the artifact into dest and verifies its digest.
	Download(ctx context.Context, name, filename, hash string, ht sources.HashType, dest string) error
	// Upload publishes the file at path as name's artifact.
	Upload(ctx context.Context, name, filename, hash string, ht sources.HashType, path string) error
}

// Opener resolves a cache endpoint to a client. It is a seam for tests,
// which substitute in-memory caches.
type Opener func(ep config.CacheEndpoint) (Cache, error)

// Open returns the cache client for ep, selected by the URL scheme: s3 and
// s3+http URLs get the S3 backend, anything else speaks the CGI protocol.
func Open(ep config.CacheEndpoint) (Cache, error) {
	u, err := url.Parse(ep.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse cache URL %q", ep.URL)
	}
	switch u.Scheme {
	case "s3", "s3+http":
		return newS3(ep, u)
	default:
		return NewCGI(ep), nil
	}
}

// downloadPath expands the configured path template for one artifact.
func downloadPath(tmpl, name, filename, hash string, ht sources.HashType) string {
	r := strings.NewReplacer(
		"%(name)s", name,
		"%(filename)s", filename,
		"%(hash)s", hash,
		"%(hashtype)s", string(ht),
	)
	return r.Replace(tmpl)
}

func hasher(ht sources.HashType) (hash.Hash, error) {
	switch ht {
	case sources.MD5:
		return md5.New(), nil // #nosec G401
	case sources.SHA512:
		return sha512.New(), nil
	}
	return nil, errors.Errorf("unsupported hash type %q", ht)
}

// verifyFile checks the digest of the file at path against want.
func verifyFile(path, want string, ht sources.HashType) error {
	h, err := hasher(ht)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open downloaded artifact")
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return errors.Wrap(err, "digest downloaded artifact")
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return errors.Errorf("digest mismatch for %s: expected %s:%s, got %s",
			filepath.Base(path), ht, want, got)
	}
	return nil
}
