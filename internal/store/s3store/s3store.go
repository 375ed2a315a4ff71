// Package s3store is a Store on an S3 bucket (or an S3-compatible service).
// Folders are key prefixes; an empty object named "<prefix>/" marks a folder
// that has no files yet. Revisions are ETags and updates use If-Match.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"voice-batch-go/internal/store"
)

const (
	DefaultRegion = "us-east-1"
	appendRetries = 3
)

// API is the subset of the S3 client the store calls.
type API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

type Store struct {
	api      API
	bucket   string
	endpoint string
}

// New builds an S3 client from cfg. A custom endpoint (MinIO and the like)
// switches to path-style addressing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	endpoint := fmt.Sprintf("https://s3.%s.amazonaws.com", cfg.Region)
	if cfg.Endpoint != "" {
		endpoint = strings.TrimRight(cfg.Endpoint, "/")
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	return NewWithAPI(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, endpoint), nil
}

func NewWithAPI(api API, bucket, endpoint string) *Store {
	return &Store{api: api, bucket: bucket, endpoint: strings.TrimRight(endpoint, "/")}
}

func prefix(id string) string {
	if id == "" {
		return ""
	}
	return id + "/"
}

func baseName(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func (s *Store) Folder(ctx context.Context, id string) (store.Folder, error) {
	clean, err := store.CleanID(id)
	if err != nil {
		return store.Folder{}, err
	}
	out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix(clean)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return store.Folder{}, fmt.Errorf("s3store: resolve folder %q: %w", clean, err)
	}
	if len(out.Contents) == 0 && len(out.CommonPrefixes) == 0 {
		return store.Folder{}, fmt.Errorf("folder %q: %w", clean, store.ErrNotFound)
	}
	return store.Folder{ID: clean, Name: baseName(clean)}, nil
}

// list walks every page of one delimited listing under parent.
func (s *Store) list(ctx context.Context, parent store.Folder, fn func(*s3.ListObjectsV2Output)) error {
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix(parent.ID)),
		Delimiter: aws.String("/"),
	}
	for {
		out, err := s.api.ListObjectsV2(ctx, in)
		if err != nil {
			return fmt.Errorf("s3store: list %q: %w", parent.ID, err)
		}
		fn(out)
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

func (s *Store) Folders(ctx context.Context, parent store.Folder) ([]store.Folder, error) {
	var folders []store.Folder
	err := s.list(ctx, parent, func(out *s3.ListObjectsV2Output) {
		for _, p := range out.CommonPrefixes {
			id := strings.TrimSuffix(aws.ToString(p.Prefix), "/")
			folders = append(folders, store.Folder{ID: id, Name: baseName(id)})
		}
	})
	return folders, err
}

func (s *Store) Files(ctx context.Context, parent store.Folder) ([]store.File, error) {
	p := prefix(parent.ID)
	var files []store.File
	err := s.list(ctx, parent, func(out *s3.ListObjectsV2Output) {
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if key == p {
				continue
			}
			files = append(files, store.File{
				ID:       key,
				Name:     strings.TrimPrefix(key, p),
				Size:     aws.ToInt64(obj.Size),
				Revision: aws.ToString(obj.ETag),
			})
		}
	})
	return files, err
}

func (s *Store) FileByName(ctx context.Context, parent store.Folder, name string) (store.File, error) {
	key := store.ChildID(parent.ID, name)
	out, err := s.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return store.File{}, fmt.Errorf("file %q: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return store.File{}, fmt.Errorf("s3store: head %q: %w", key, err)
	}
	return store.File{
		ID:       key,
		Name:     name,
		MimeType: aws.ToString(out.ContentType),
		Size:     aws.ToInt64(out.ContentLength),
		Revision: aws.ToString(out.ETag),
	}, nil
}

func (s *Store) GetOrCreateFolder(ctx context.Context, parent store.Folder, name string) (store.Folder, error) {
	name = store.FolderName(name)
	id := store.ChildID(parent.ID, name)
	// The marker key is deterministic, so concurrent callers converge on it.
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(prefix(id)),
		Body:        bytes.NewReader(nil),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil && !isConflict(err) {
		return store.Folder{}, fmt.Errorf("s3store: create folder %q: %w", id, err)
	}
	return store.Folder{ID: id, Name: name}, nil
}

func (s *Store) Read(ctx context.Context, f store.File) ([]byte, error) {
	data, _, err := s.get(ctx, f.ID)
	return data, err
}

func (s *Store) get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, "", fmt.Errorf("file %q: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("s3store: get %q: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("s3store: read %q: %w", key, err)
	}
	return data, aws.ToString(out.ETag), nil
}

func (s *Store) put(ctx context.Context, key, mimeType string, data []byte, ifMatch, ifNoneMatch string) (string, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if mimeType != "" {
		in.ContentType = aws.String(mimeType)
	}
	if ifMatch != "" {
		in.IfMatch = aws.String(ifMatch)
	}
	if ifNoneMatch != "" {
		in.IfNoneMatch = aws.String(ifNoneMatch)
	}
	out, err := s.api.PutObject(ctx, in)
	if isConflict(err) {
		return "", fmt.Errorf("file %q: %w", key, store.ErrConflict)
	}
	if err != nil {
		return "", fmt.Errorf("s3store: put %q: %w", key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *Store) Create(ctx context.Context, parent store.Folder, name, mimeType string, data []byte) (store.File, error) {
	key := store.ChildID(parent.ID, name)
	etag, err := s.put(ctx, key, mimeType, data, "", "")
	if err != nil {
		return store.File{}, err
	}
	return store.File{ID: key, Name: name, MimeType: mimeType, Size: int64(len(data)), Revision: etag}, nil
}

func (s *Store) Update(ctx context.Context, f store.File, data []byte) (store.File, error) {
	etag, err := s.put(ctx, f.ID, f.MimeType, data, f.Revision, "")
	if err != nil {
		return store.File{}, err
	}
	f.Size = int64(len(data))
	f.Revision = etag
	return f, nil
}

// Append is a read-modify-write guarded by If-Match (or If-None-Match for
// the first entry), retried a few times when another writer got there first.
func (s *Store) Append(ctx context.Context, parent store.Folder, name string, data []byte) error {
	key := store.ChildID(parent.ID, name)
	var err error
	for i := 0; i < appendRetries; i++ {
		current, etag, gerr := s.get(ctx, key)
		switch {
		case errors.Is(gerr, store.ErrNotFound):
			_, err = s.put(ctx, key, "text/plain; charset=utf-8", data, "", "*")
		case gerr != nil:
			return gerr
		default:
			_, err = s.put(ctx, key, "text/plain; charset=utf-8", append(current, data...), etag, "")
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) URL(f store.Folder) string {
	return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, prefix(f.ID))
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// isConflict matches failed preconditions (412) and concurrent conditional
// writes (409).
func isConflict(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

var _ store.Store = (*Store)(nil)
