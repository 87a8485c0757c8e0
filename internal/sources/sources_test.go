package sources //nolint:testpackage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/fedora-eln/distrobaker/internal/logging"
)

const (
	emptyMD5    = "d41d8cd98f00b204e9800998ecf8427e"
	emptySHA512 = "cf83e1357eefb8bdf1542850d66d8007d620e4050b5715dc83f4a921d36ce9ce" +
		"47d0d13c5d85f2b0ff8318d2877eec2f63b931bd47417a81a538327af927da3e"
)

func testCtx() context.Context {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return logging.ContextWithLogger(context.Background(), logger)
}

func writeSources(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sources")
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseBothFormats(t *testing.T) {
	path := writeSources(t, emptyMD5+"  tarball.tar.gz\n"+
		"SHA512 (other.tar.xz) = "+emptySHA512+"\n")

	src, err := Parse(testCtx(), "gzip", "rpms", path)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(src))
	_, ok := src[Entry{File: "tarball.tar.gz", Hash: emptyMD5, Type: MD5}]
	assert.True(t, ok)
	_, ok = src[Entry{File: "other.tar.xz", Hash: emptySHA512, Type: SHA512}]
	assert.True(t, ok)
}

func TestParseSkipsBlankLines(t *testing.T) {
	path := writeSources(t, "\n   \n"+emptyMD5+"  a.tar\n\n")
	src, err := Parse(testCtx(), "gzip", "rpms", path)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(src))
}

func TestParseDeduplicates(t *testing.T) {
	line := emptyMD5 + "  a.tar\n"
	path := writeSources(t, line+line+line)
	src, err := Parse(testCtx(), "gzip", "rpms", path)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(src))
}

func TestParseSameFileTwoDigests(t *testing.T) {
	path := writeSources(t, emptyMD5+"  a.tar\n"+
		"SHA512 (a.tar) = "+emptySHA512+"\n")
	src, err := Parse(testCtx(), "gzip", "rpms", path)
	assert.NoError(t, err)
	// Distinct hash types of the same file are distinct entries.
	assert.Equal(t, 2, len(src))
}

func TestParseMissingFile(t *testing.T) {
	src, err := Parse(testCtx(), "gzip", "rpms", filepath.Join(t.TempDir(), "sources"))
	assert.NoError(t, err)
	assert.Equal(t, Set{}, src)
}

func TestParseGarbage(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{name: "FreeText", line: "this is not a manifest"},
		{name: "SingleSpaceMD5", line: emptyMD5 + " a.tar"},
		{name: "ShortHash", line: "abc123  a.tar"},
		{name: "UppercaseHash", line: "D41D8CD98F00B204E9800998ECF8427E  a.tar"},
		{name: "UnknownDigest", line: "SHA256 (a.tar) = " + emptySHA512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSources(t, tt.line+"\n")
			src, err := Parse(testCtx(), "gzip", "rpms", path)
			assert.Error(t, err)
			assert.Zero(t, src)
			assert.Contains(t, err.Error(), "cannot parse")
		})
	}
}

func TestParseParenthesesInFilename(t *testing.T) {
	path := writeSources(t, "SHA512 (weird (1).tar) = "+emptySHA512+"\n")
	src, err := Parse(testCtx(), "gzip", "rpms", path)
	assert.NoError(t, err)
	_, ok := src[Entry{File: "weird (1).tar", Hash: emptySHA512, Type: SHA512}]
	assert.True(t, ok)
}

func TestParseIdempotent(t *testing.T) {
	path := writeSources(t, emptyMD5+"  a.tar\n"+
		"SHA512 (b.tar) = "+emptySHA512+"\n")
	first, err := Parse(testCtx(), "gzip", "rpms", path)
	assert.NoError(t, err)
	second, err := Parse(testCtx(), "gzip", "rpms", path)
	assert.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDiff(t *testing.T) {
	a := Entry{File: "a.tar", Hash: emptyMD5, Type: MD5}
	b := Entry{File: "b.tar", Hash: emptySHA512, Type: SHA512}
	c := Entry{File: "c.tar", Hash: emptyMD5, Type: MD5}

	src := Set{a: {}, b: {}, c: {}}
	dst := Set{a: {}}

	diff := src.Diff(dst)
	assert.Equal(t, Set{b: {}, c: {}}, diff)
	assert.Equal(t, Set{}, dst.Diff(src))
}

func TestSorted(t *testing.T) {
	a := Entry{File: "a.tar", Hash: emptyMD5, Type: MD5}
	a512 := Entry{File: "a.tar", Hash: emptySHA512, Type: SHA512}
	b := Entry{File: "b.tar", Hash: emptyMD5, Type: MD5}

	s := Set{b: {}, a512: {}, a: {}}
	assert.Equal(t, []Entry{a, a512, b}, s.Sorted())
}
