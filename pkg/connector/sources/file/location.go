package file

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// location is a parsed file selector.
type location struct {
	Scheme string // "", "s3" or "gs"
	Bucket string
	Key    string // local path or object key; may contain a glob
}

func parseLocation(raw string) (location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return location{}, syncerrors.New(syncerrors.ErrorTypeConfig, "file path is required")
	}
	if !strings.Contains(raw, "://") {
		return location{Key: raw}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return location{}, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "invalid file location")
	}
	switch u.Scheme {
	case "s3", "gs":
	case "file":
		return location{Key: u.Path}, nil
	default:
		return location{}, syncerrors.Newf(syncerrors.ErrorTypeConfig, "unsupported file location scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return location{}, syncerrors.Newf(syncerrors.ErrorTypeConfig, "missing bucket in %q", raw)
	}
	return location{Scheme: u.Scheme, Bucket: u.Host, Key: strings.TrimPrefix(u.Path, "/")}, nil
}

func (l location) String() string {
	if l.Scheme == "" {
		return l.Key
	}
	return l.Scheme + "://" + l.Bucket + "/" + l.Key
}

func (l location) withKey(key string) location {
	l.Key = key
	return l
}

// hasMeta reports whether key selects several objects: a glob or a prefix
// ending in a slash.
func (l location) hasMeta() bool {
	return strings.ContainsAny(l.Key, "*?[") || strings.HasSuffix(l.Key, "/")
}

// listPrefix is the literal part of a glob, used for remote listings.
func (l location) listPrefix() string {
	if i := strings.IndexAny(l.Key, "*?["); i >= 0 {
		return l.Key[:i]
	}
	return l.Key
}

func (l location) matches(key string) bool {
	if strings.HasSuffix(l.Key, "/") {
		return strings.HasPrefix(key, l.Key) && !strings.HasSuffix(key, "/")
	}
	ok, _ := path.Match(l.Key, key)
	return ok
}

// objectStore lists and opens files in one kind of location.
type objectStore interface {
	List(ctx context.Context, loc location) ([]location, error)
	Open(ctx context.Context, loc location) (io.ReadCloser, error)
	Close() error
}

type localStore struct{}

func (localStore) List(_ context.Context, loc location) ([]location, error) {
	if !loc.hasMeta() {
		info, err := os.Stat(loc.Key)
		if err != nil {
			return nil, notFound(err, loc)
		}
		if !info.IsDir() {
			return []location{loc}, nil
		}
		loc = loc.withKey(filepath.Join(loc.Key, "*"))
	}
	matches, err := filepath.Glob(strings.TrimSuffix(loc.Key, "/") + globSuffix(loc.Key))
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConfig, "invalid file pattern")
	}
	out := make([]location, 0, len(matches))
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			out = append(out, loc.withKey(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if len(out) == 0 {
		return nil, syncerrors.Newf(syncerrors.ErrorTypeNotFound, "no files match %s", loc)
	}
	return out, nil
}

func globSuffix(key string) string {
	if strings.HasSuffix(key, "/") {
		return "/*"
	}
	return ""
}

func (localStore) Open(_ context.Context, loc location) (io.ReadCloser, error) {
	f, err := os.Open(loc.Key)
	if err != nil {
		return nil, notFound(err, loc)
	}
	return f, nil
}

func (localStore) Close() error { return nil }

func notFound(err error, loc location) error {
	if os.IsNotExist(err) {
		return syncerrors.Wrap(err, syncerrors.ErrorTypeNotFound, fmt.Sprintf("file %s not found", loc))
	}
	return syncerrors.Wrap(err, syncerrors.ErrorTypeData, fmt.Sprintf("cannot open %s", loc))
}

type s3Store struct {
	client *s3.Client
}

func newS3Store(ctx context.Context, region string) (*s3Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, "failed to load AWS config")
	}
	return &s3Store{client: s3.NewFromConfig(cfg)}, nil
}

func (s *s3Store) List(ctx context.Context, loc location) ([]location, error) {
	if !loc.hasMeta() {
		return []location{loc}, nil
	}
	var out []location
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(loc.Bucket),
		Prefix: aws.String(loc.listPrefix()),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, "failed to list "+loc.String())
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if loc.matches(key) {
				out = append(out, loc.withKey(key))
			}
		}
	}
	if len(out) == 0 {
		return nil, syncerrors.Newf(syncerrors.ErrorTypeNotFound, "no objects match %s", loc)
	}
	return out, nil
}

func (s *s3Store) Open(ctx context.Context, loc location) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, "failed to get "+loc.String())
	}
	return resp.Body, nil
}

func (s *s3Store) Close() error { return nil }

type gcsStore struct {
	client *storage.Client
}

func newGCSStore(ctx context.Context, credentialsFile string) (*gcsStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, "failed to create GCS client")
	}
	return &gcsStore{client: client}, nil
}

func (g *gcsStore) List(ctx context.Context, loc location) ([]location, error) {
	if !loc.hasMeta() {
		return []location{loc}, nil
	}
	var out []location
	it := g.client.Bucket(loc.Bucket).Objects(ctx, &storage.Query{Prefix: loc.listPrefix()})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, "failed to list "+loc.String())
		}
		if loc.matches(attrs.Name) {
			out = append(out, loc.withKey(attrs.Name))
		}
	}
	if len(out) == 0 {
		return nil, syncerrors.Newf(syncerrors.ErrorTypeNotFound, "no objects match %s", loc)
	}
	return out, nil
}

func (g *gcsStore) Open(ctx context.Context, loc location) (io.ReadCloser, error) {
	r, err := g.client.Bucket(loc.Bucket).Object(loc.Key).NewReader(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeNotFound, loc.String()+" not found")
		}
		return nil, syncerrors.Wrap(err, syncerrors.ErrorTypeConnection, "failed to open "+loc.String())
	}
	return r, nil
}

func (g *gcsStore) Close() error { return g.client.Close() }
