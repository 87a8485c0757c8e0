package lookaside //nolint:testpackage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/fedora-eln/distrobaker/internal/config"
	"github.com/fedora-eln/distrobaker/internal/sources"
)

const (
	pathTmpl = "%(name)s/%(filename)s/%(hashtype)s/%(hash)s/%(filename)s"
	// md5 of "hello\n"
	helloMD5 = "b1946ac92492d2347c6235b4d2611184"
)

func TestDownloadPath(t *testing.T) {
	got := downloadPath(pathTmpl, "gzip", "a.tar", helloMD5, sources.MD5)
	assert.Equal(t, "gzip/a.tar/md5/"+helloMD5+"/a.tar", got)

	// Old-style flat layout without hashtype.
	got = downloadPath("%(name)s/%(filename)s/%(hash)s/%(filename)s", "gzip", "a.tar", helloMD5, sources.MD5)
	assert.Equal(t, "gzip/a.tar/"+helloMD5+"/a.tar", got)
}

func TestCGIExists(t *testing.T) {
	tests := []struct {
		name     string
		response string
		status   int
		want     bool
		wantErr  bool
	}{
		{name: "Available", response: "Available\n", status: http.StatusOK, want: true},
		{name: "Missing", response: "Missing\n", status: http.StatusOK, want: false},
		{name: "Garbage", response: "I am a teapot", status: http.StatusOK, wantErr: true},
		{name: "ServerError", response: "boom", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.NoError(t, r.ParseMultipartForm(1<<20))
				assert.Equal(t, "gzip", r.FormValue("name"))
				assert.Equal(t, helloMD5, r.FormValue("md5sum"))
				assert.Equal(t, "a.tar", r.FormValue("filename"))
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.response)
			}))
			defer srv.Close()

			c := NewCGI(config.CacheEndpoint{URL: "http://unused.example.com", CGI: srv.URL, Path: pathTmpl})
			got, err := c.Exists(context.Background(), "gzip", "a.tar", helloMD5, sources.MD5)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCGIDownload(t *testing.T) {
	content := []byte("hello\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gzip/a.tar/md5/"+helloMD5+"/a.tar", r.URL.Path)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	c := NewCGI(config.CacheEndpoint{URL: srv.URL, CGI: srv.URL + "/upload.cgi", Path: pathTmpl})
	dest := filepath.Join(t.TempDir(), "a.tar")
	assert.NoError(t, c.Download(context.Background(), "gzip", "a.tar", helloMD5, sources.MD5, dest))

	got, err := os.ReadFile(dest)
	assert.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestCGIDownloadDigestMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "tampered bytes")
	}))
	defer srv.Close()

	c := NewCGI(config.CacheEndpoint{URL: srv.URL, CGI: srv.URL + "/upload.cgi", Path: pathTmpl})
	dest := filepath.Join(t.TempDir(), "a.tar")
	err := c.Download(context.Background(), "gzip", "a.tar", helloMD5, sources.MD5, dest)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestCGIDownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewCGI(config.CacheEndpoint{URL: srv.URL, CGI: srv.URL + "/upload.cgi", Path: pathTmpl})
	err := c.Download(context.Background(), "gzip", "a.tar", helloMD5, sources.MD5, filepath.Join(t.TempDir(), "a.tar"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestCGIUpload(t *testing.T) {
	var gotName, gotSum, gotFile string
	var gotContent []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		gotName = r.FormValue("name")
		gotSum = r.FormValue("md5sum")
		f, hdr, err := r.FormFile("file")
		assert.NoError(t, err)
		defer f.Close()
		gotFile = hdr.Filename
		gotContent, err = io.ReadAll(f)
		assert.NoError(t, err)
		fmt.Fprint(w, "File a.tar size 6 stored OK")
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "a.tar")
	assert.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))

	c := NewCGI(config.CacheEndpoint{URL: "http://unused.example.com", CGI: srv.URL, Path: pathTmpl})
	assert.NoError(t, c.Upload(context.Background(), "gzip", "a.tar", helloMD5, sources.MD5, path))
	assert.Equal(t, "gzip", gotName)
	assert.Equal(t, helloMD5, gotSum)
	assert.Equal(t, "a.tar", gotFile)
	assert.Equal(t, []byte("hello\n"), gotContent)
}

func TestCGIUploadRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Invalid hash type: sha1", http.StatusBadRequest)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "a.tar")
	assert.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))

	c := NewCGI(config.CacheEndpoint{URL: "http://unused.example.com", CGI: srv.URL, Path: pathTmpl})
	err := c.Upload(context.Background(), "gzip", "a.tar", helloMD5, sources.MD5, path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid hash type")
}

func TestOpenSelectsBackend(t *testing.T) {
	c, err := Open(config.CacheEndpoint{URL: "https://src.example.com/repo/pkgs", CGI: "https://src.example.com/upload.cgi", Path: pathTmpl})
	assert.NoError(t, err)
	_, ok := c.(*CGI)
	assert.True(t, ok, "expected a CGI backend, got %T", c)

	c, err = Open(config.CacheEndpoint{URL: "s3://store.example.com/lookaside/eln", Path: pathTmpl})
	assert.NoError(t, err)
	s3, ok := c.(*S3)
	assert.True(t, ok, "expected an S3 backend, got %T", c)
	assert.Equal(t, "lookaside", s3.bucket)
	assert.Equal(t, "eln", s3.prefix)

	_, err = Open(config.CacheEndpoint{URL: "s3://store.example.com", Path: pathTmpl})
	assert.Error(t, err)

	_, err = Open(config.CacheEndpoint{URL: "://bad", Path: pathTmpl})
	assert.Error(t, err)
}

func TestVerifyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tar")
	assert.NoError(t, os.WriteFile(path, []byte("hello\n"), 0o644))

	assert.NoError(t, verifyFile(path, helloMD5, sources.MD5))
	assert.Error(t, verifyFile(path, "00000000000000000000000000000000", sources.MD5))
	assert.Error(t, verifyFile(path, helloMD5, sources.HashType("sha1")))
}
