// Package blobstore persists and serves completed extract PDFs. The fs
// driver matches the historical local downloads directory; s3 is for
// deployments where workers and the API do not share a disk.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverFS     = "fs"
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxObjectSize int64 = 32 << 20
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store holds result files keyed by the pdf_url recorded on the job row.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, contentType string) error
	Get(ctx context.Context, key string) (Object, error)
	Exists(ctx context.Context, key string) (bool, error)
}

type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	LastModified time.Time
}

type Config struct {
	Driver string

	// MaxObjectSize bounds bytes accepted by Put and returned by Get.
	// Defaults to 32 MiB when <= 0.
	MaxObjectSize int64

	// FS fields.
	Dir string

	// S3 fields.
	Bucket   string
	Prefix   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

func New(cfg Config) (Store, error) {
	maxSize := cfg.MaxObjectSize
	if maxSize <= 0 {
		maxSize = defaultMaxObjectSize
	}
	switch normalizeDriver(cfg.Driver) {
	case DriverFS:
		return newFSStore(cfg.Dir, maxSize)
	case DriverS3:
		return newS3Store(cfg, maxSize)
	case DriverMemory:
		return &memoryStore{objects: make(map[string]memoryObject), maxSize: maxSize}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverFS
	}
	return v
}

// normalizeKey rejects anything that could escape the store namespace. Keys
// are flat file names like Ferfar_123_1.pdf.
func normalizeKey(key string) (string, error) {
	if key != strings.TrimSpace(key) {
		return "", fmt.Errorf("%w: key has surrounding whitespace", ErrInvalidKey)
	}
	if key == "" || key == "." || key == ".." {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsAny(key, "/\\") {
		return "", fmt.Errorf("%w: key contains path separator", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return key, nil
}

type fsStore struct {
	dir     string
	maxSize int64
}

func newFSStore(dir string, maxSize int64) (Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: fs dir is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore/fs: mkdir %q: %w", dir, err)
	}
	return &fsStore{dir: dir, maxSize: maxSize}, nil
}

func (s *fsStore) Put(_ context.Context, key string, payload []byte, _ string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if int64(len(payload)) > s.maxSize {
		return fmt.Errorf("%w: %q is %d bytes", ErrTooLarge, key, len(payload))
	}
	path := filepath.Join(s.dir, key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("blobstore/fs: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("blobstore/fs: rename %q: %w", key, err)
	}
	return nil
}

func (s *fsStore) Get(_ context.Context, key string) (Object, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}
	path := filepath.Join(s.dir, key)

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("blobstore/fs: stat %q: %w", key, err)
	}
	if info.Size() > s.maxSize {
		return Object{}, fmt.Errorf("%w: %q is %d bytes", ErrTooLarge, key, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/fs: read %q: %w", key, err)
	}
	return Object{
		Key:          key,
		Data:         data,
		ContentType:  contentTypeForKey(key),
		LastModified: info.ModTime().UTC(),
	}, nil
}

func (s *fsStore) Exists(_ context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(s.dir, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/fs: stat %q: %w", key, err)
	}
	return true, nil
}

func contentTypeForKey(key string) string {
	if strings.HasSuffix(strings.ToLower(key), ".pdf") {
		return "application/pdf"
	}
	return "application/octet-stream"
}

type s3Store struct {
	client  S3Client
	bucket  string
	prefix  string
	maxSize int64
}

func newS3Store(cfg Config, maxSize int64) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	return &s3Store{
		client:  cfg.S3Client,
		bucket:  bucket,
		prefix:  strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
		maxSize: maxSize,
	}, nil
}

func (s *s3Store) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *s3Store) Put(ctx context.Context, key string, payload []byte, contentType string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if int64(len(payload)) > s.maxSize {
		return fmt.Errorf("%w: %q is %d bytes", ErrTooLarge, key, len(payload))
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
		Body:   bytes.NewReader(payload),
	}
	if ct := strings.TrimSpace(contentType); ct != "" {
		input.ContentType = aws.String(ct)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("blobstore/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, key string) (Object, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Object{}, fmt.Errorf("blobstore/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxSize+1))
	if err != nil {
		return Object{}, fmt.Errorf("blobstore/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxSize {
		return Object{}, fmt.Errorf("%w: %q exceeds max %d bytes", ErrTooLarge, key, s.maxSize)
	}

	ct := aws.ToString(out.ContentType)
	if ct == "" {
		ct = contentTypeForKey(key)
	}
	return Object{
		Key:          key,
		Data:         data,
		ContentType:  ct,
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

func (s *s3Store) Exists(ctx context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.fullKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/s3: head %q: %w", key, err)
	}
	return true, nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}

type memoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	maxSize int64
}

type memoryObject struct {
	data        []byte
	contentType string
	updatedAt   time.Time
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, contentType string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if int64(len(payload)) > m.maxSize {
		return fmt.Errorf("%w: %q is %d bytes", ErrTooLarge, key, len(payload))
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{
		data:        append([]byte(nil), payload...),
		contentType: strings.TrimSpace(contentType),
		updatedAt:   time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	ct := obj.contentType
	if ct == "" {
		ct = contentTypeForKey(key)
	}
	return Object{
		Key:          key,
		Data:         append([]byte(nil), obj.data...),
		ContentType:  ct,
		LastModified: obj.updatedAt,
	}, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[key]
	m.mu.RUnlock()
	return ok, nil
}
