package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// S3Config contains settings for the S3 snapshot archive.
type S3Config struct {
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	AccessKeyID string `yaml:"access_key_id"`
	SecretKey   string `yaml:"secret_key"`
	Endpoint    string `yaml:"endpoint"` // custom endpoint, e.g. MinIO
	Prefix      string `yaml:"prefix"`
}

// objectAPI is the subset of the S3 client used by S3Store.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store archives snapshots in S3. Every Save writes a new immutable object
// and then moves the key's "latest" pointer to it, so older snapshots stay
// available for inspection.
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
	now    func() time.Time
}

// pointer is the body of the "latest" object.
type pointer struct {
	Object    string    `json:"object"`
	CreatedAt time.Time `json:"created_at"`
}

// NewS3Store loads AWS configuration and creates a store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return newS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client objectAPI, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

func (s *S3Store) keyDir(key string) string {
	return path.Join(s.prefix, url.PathEscape(key))
}

func (s *S3Store) latestKey(key string) string {
	return path.Join(s.keyDir(key), "latest.json")
}

// Save uploads snap as a new object and points latest at it.
func (s *S3Store) Save(ctx context.Context, snap *Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	object := path.Join(s.keyDir(snap.Key), fmt.Sprintf("%d-%s.snap.json", now.UnixNano(), uuid.NewString()))
	if err := s.put(ctx, object, data); err != nil {
		return err
	}

	ptr, err := json.Marshal(pointer{Object: object, CreatedAt: now})
	if err != nil {
		return fmt.Errorf("s3: encode pointer: %w", err)
	}
	return s.put(ctx, s.latestKey(snap.Key), ptr)
}

// Load follows the latest pointer of key.
func (s *S3Store) Load(ctx context.Context, key string) (*Snapshot, error) {
	raw, err := s.get(ctx, s.latestKey(key))
	if err != nil {
		return nil, err
	}
	var ptr pointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return nil, fmt.Errorf("s3: decode pointer of %s: %w", key, err)
	}

	data, err := s.get(ctx, ptr.Object)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Delete removes the latest pointer. Archived objects are left to the
// bucket's lifecycle rules.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.latestKey(key)),
	})
	if err != nil {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read %s: %w", key, err)
	}
	return data, nil
}
