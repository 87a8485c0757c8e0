package lookaside

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/alecthomas/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fedora-eln/distrobaker/internal/config"
	"github.com/fedora-eln/distrobaker/internal/sources"
)

// S3 serves a lookaside tree out of an object store bucket. The cache URL
// has the form s3://endpoint/bucket[/prefix]; s3+http selects a plaintext
// endpoint. Objects are keyed by the same path template the CGI tree uses,
// so the two layouts stay interchangeable.
type S3 struct {
	client *minio.Client
	bucket string
	prefix string
	path   string
}

func newS3(ep config.CacheEndpoint, u *url.URL) (*S3, error) {
	bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
	if u.Host == "" || bucket == "" {
		return nil, errors.Errorf("cache URL %q must name an endpoint and a bucket", ep.URL)
	}
	client, err := minio.New(u.Host, &minio.Options{
		Creds: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvMinio{},
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
		}),
		Secure: u.Scheme != "s3+http",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to object store %s", u.Host)
	}
	return &S3{
		client: client,
		bucket: bucket,
		prefix: prefix,
		path:   strings.TrimLeft(ep.Path, "/"),
	}, nil
}

func (s *S3) key(name, filename, hash string, ht sources.HashType) string {
	return path.Join(s.prefix, downloadPath(s.path, name, filename, hash, ht))
}

func (s *S3) Exists(ctx context.Context, name, filename, hash string, ht sources.HashType) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(name, filename, hash, ht), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, errors.Wrapf(err, "probe %s in object store", filename)
	}
	return true, nil
}

func (s *S3) Download(ctx context.Context, name, filename, hash string, ht sources.HashType, dest string) error {
	key := s.key(name, filename, hash, ht)
	if err := s.client.FGetObject(ctx, s.bucket, key, dest, minio.GetObjectOptions{}); err != nil {
		return errors.Wrapf(err, "download %s from object store", key)
	}
	return verifyFile(dest, hash, ht)
}

func (s *S3) Upload(ctx context.Context, name, filename, hash string, ht sources.HashType, filePath string) error {
	key := s.key(name, filename, hash, ht)
	_, err := s.client.FPutObject(ctx, s.bucket, key, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return errors.Wrapf(err, "upload %s to object store", key)
}

var _ Cache = (*S3)(nil)
