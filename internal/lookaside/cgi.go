package lookaside

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/errors"

	"github.com/fedora-eln/distrobaker/internal/config"
	"github.com/fedora-eln/distrobaker/internal/sources"
)

// CGI talks the classic dist-git lookaside protocol: artifacts are fetched
// from a static file tree and probed/published through an upload CGI with
// multipart form posts.
type CGI struct {
	url    string
	cgi    string
	path   string
	client *http.Client
}

func NewCGI(ep config.CacheEndpoint) *CGI {
	return &CGI{
		url:    strings.TrimRight(ep.URL, "/"),
		cgi:    ep.CGI,
		path:   strings.TrimLeft(ep.Path, "/"),
		client: &http.Client{},
	}
}

func (c *CGI) Exists(ctx context.Context, name, filename, hash string, ht sources.HashType) (bool, error) {
	// The CGI probe takes the digest under "<hashtype>sum" and answers with
	// a bare Available or Missing.
	body, err := c.post(ctx, [][2]string{
		{"name", name},
		{string(ht) + "sum", hash},
		{"filename", filename},
	}, "")
	if err != nil {
		return false, errors.Wrapf(err, "probe %s in lookaside cache", filename)
	}
	switch body {
	case "Available":
		return true, nil
	case "Missing":
		return false, nil
	}
	return false, errors.Errorf("unexpected lookaside probe response %q for %s", body, filename)
}

func (c *CGI) Download(ctx context.Context, name, filename, hash string, ht sources.HashType, dest string) error {
	u := c.url + "/" + downloadPath(c.path, name, filename, hash, ht)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "build download request")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", u)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: %s", u, resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "create downloaded artifact")
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", dest)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "write %s", dest)
	}
	return verifyFile(dest, hash, ht)
}

func (c *CGI) Upload(ctx context.Context, name, filename, hash string, ht sources.HashType, path string) error {
	if _, err := c.post(ctx, [][2]string{
		{"name", name},
		{string(ht) + "sum", hash},
	}, path); err != nil {
		return errors.Wrapf(err, "upload %s to lookaside cache", filename)
	}
	return nil
}

// post sends a multipart form to the upload CGI, streaming filePath as the
// "file" part when given, and returns the trimmed response body.
func (c *CGI) post(ctx context.Context, fields [][2]string, filePath string) (string, error) {
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			for _, f := range fields {
				if err := w.WriteField(f[0], f[1]); err != nil {
					return errors.Wrap(err, "write form field")
				}
			}
			if filePath != "" {
				part, err := w.CreateFormFile("file", filepath.Base(filePath))
				if err != nil {
					return errors.Wrap(err, "create form file")
				}
				f, err := os.Open(filePath)
				if err != nil {
					return errors.Wrap(err, "open upload")
				}
				defer f.Close()
				if _, err := io.Copy(part, f); err != nil {
					return errors.Wrap(err, "stream upload")
				}
			}
			return errors.Wrap(w.Close(), "finish multipart body")
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cgi, pr)
	if err != nil {
		return "", errors.Wrap(err, "build CGI request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", errors.Wrap(err, "read CGI response")
	}
	body := strings.TrimSpace(string(raw))
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("%s: %s", resp.Status, body)
	}
	return body, nil
}

var _ Cache = (*CGI)(nil)
