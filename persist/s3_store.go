package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/s7g4/arti-hs-keymgmt/internal/debug"
)

const (
	ctxTimeout = 10 * time.Second

	// s3LockTTL bounds how long a crashed holder can wedge the store.
	s3LockTTL = 30 * time.Second
)

// S3Config configures an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix"`
	UseSSL          bool   `json:"use_ssl"`
	Region          string `json:"region"`
}

// S3Store implements Store on an S3-compatible object store.
//
// Object layout:
//
//	bucket/
//	  [prefix/]keys/<name>.json      one object per key record
//	  [prefix/]state.json            service state
//	  [prefix/]snapshots/*.snapshot  snapshot containers
//	  [prefix/]keystore.lock         advisory lock object (holder + expiry)
//
// S3 has no flock; the lock object is advisory and lease-based. A
// holder writes its ID with an expiry, and contenders retry until the
// lease is free or expired. Individual object puts are atomic on the
// backend, so readers never see torn records regardless.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
	retry  LockRetry
	holder string
}

// NewS3Store connects to the backend and verifies the bucket exists.
func NewS3Store(config S3Config) (*S3Store, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	store := &S3Store{
		client: client,
		bucket: config.Bucket,
		prefix: strings.TrimSuffix(config.KeyPrefix, "/"),
		retry:  DefaultLockRetry(),
		holder: uuid.New().String(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", config.Bucket, err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", config.Bucket, err)
		}
	}
	return store, nil
}

// NewS3StoreFromConfig creates an S3Store from StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	var s3cfg S3Config
	raw, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid S3 configuration: %w", err)
	}
	if err = json.Unmarshal(raw, &s3cfg); err != nil {
		return nil, fmt.Errorf("invalid S3 configuration: %w", err)
	}
	if s3cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 storage requires 'bucket' in config")
	}
	return NewS3Store(s3cfg)
}

func (s *S3Store) objectKey(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func (s *S3Store) getObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *S3Store) putObject(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}

func (s *S3Store) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// s3Lease is the content of the lock object.
type s3Lease struct {
	Holder  string    `json:"holder"`
	Expires time.Time `json:"expires"`
}

func (s *S3Store) acquireLease(ctx context.Context) error {
	key := s.objectKey("keystore.lock")
	delay := s.retry.BaseDelay
	waited := time.Duration(0)
	for attempt := 1; ; attempt++ {
		data, err := s.getObject(ctx, key)
		free := err == ErrNotFound
		if err != nil && err != ErrNotFound {
			return fmt.Errorf("failed to read lock object: %w", err)
		}
		if !free {
			var lease s3Lease
			if json.Unmarshal(data, &lease) != nil || time.Now().After(lease.Expires) {
				free = true // malformed or expired lease is up for grabs
			}
		}
		if free {
			lease := s3Lease{Holder: s.holder, Expires: time.Now().Add(s3LockTTL)}
			leaseData, _ := json.Marshal(lease)
			if err = s.putObject(ctx, key, leaseData); err != nil {
				return fmt.Errorf("failed to write lock object: %w", err)
			}
			return nil
		}
		if attempt >= s.retry.Attempts {
			return &LockContentionError{Path: key, Attempts: attempt, Waited: waited}
		}
		time.Sleep(delay)
		waited += delay
		delay *= 2
		if delay > s.retry.MaxDelay {
			delay = s.retry.MaxDelay
		}
	}
}

func (s *S3Store) releaseLease(ctx context.Context) {
	key := s.objectKey("keystore.lock")
	data, err := s.getObject(ctx, key)
	if err != nil {
		return
	}
	var lease s3Lease
	if json.Unmarshal(data, &lease) == nil && lease.Holder == s.holder {
		_ = s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	}
}

func (s *S3Store) withLease(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	if err := s.acquireLease(ctx); err != nil {
		return err
	}
	defer s.releaseLease(ctx)
	return fn(ctx)
}

func (s *S3Store) GetRecord(name string) (*KeyRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	data, err := s.getObject(ctx, s.objectKey("keys", name+recordExt))
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read key record %s: %w", name, err)
	}
	var rec KeyRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse key record %s: %w", name, err)
	}
	if err = validateRecord(&rec); err != nil {
		return nil, fmt.Errorf("corrupt key record %s: %w", name, err)
	}
	return &rec, nil
}

func (s *S3Store) PutRecord(rec *KeyRecord, overwrite bool) error {
	if rec == nil || rec.Name == "" {
		return fmt.Errorf("record with a name is required")
	}
	if err := validateRecordName(rec.Name); err != nil {
		return err
	}
	return s.withLease(func(ctx context.Context) error {
		key := s.objectKey("keys", rec.Name+recordExt)
		if !overwrite {
			exists, err := s.objectExists(ctx, key)
			if err != nil {
				return fmt.Errorf("failed to check key record %s: %w", rec.Name, err)
			}
			if exists {
				return fmt.Errorf("key record %s: %w", rec.Name, ErrAlreadyExists)
			}
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal key record: %w", err)
		}
		return s.putObject(ctx, key, data)
	})
}

func (s *S3Store) RemoveRecord(name string) (existed bool, err error) {
	if err = validateRecordName(name); err != nil {
		return false, err
	}
	err = s.withLease(func(ctx context.Context) error {
		key := s.objectKey("keys", name+recordExt)
		existed, err = s.objectExists(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to check key record %s: %w", name, err)
		}
		if !existed {
			return nil
		}
		return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	})
	return existed, err
}

func (s *S3Store) ListRecords() ([]*KeyRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s.listRecords(ctx)
}

func (s *S3Store) listRecords(ctx context.Context) ([]*KeyRecord, error) {
	prefix := s.objectKey("keys") + "/"
	var records []*KeyRecord
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list key records: %w", obj.Err)
		}
		if !strings.HasSuffix(obj.Key, recordExt) {
			continue
		}
		data, err := s.getObject(ctx, obj.Key)
		if err != nil {
			debug.Print("listRecords: skipping %s: %v\n", obj.Key, err)
			continue
		}
		var rec KeyRecord
		if err = json.Unmarshal(data, &rec); err != nil || validateRecord(&rec) != nil {
			debug.Print("listRecords: skipping %s: %v\n", obj.Key, err)
			continue
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

func (s *S3Store) ExportAll() ([]*KeyRecord, *ServiceState, error) {
	var records []*KeyRecord
	var state *ServiceState
	err := s.withLease(func(ctx context.Context) error {
		var err error
		records, err = s.listRecords(ctx)
		if err != nil {
			return err
		}
		state, err = s.loadState(ctx)
		if err != nil && err != ErrNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return records, state, nil
}

func (s *S3Store) ReplaceAll(records []*KeyRecord, state *ServiceState) error {
	return s.withLease(func(ctx context.Context) error {
		existing, err := s.listRecords(ctx)
		if err != nil {
			return err
		}
		wanted := make(map[string]bool, len(records))
		for _, rec := range records {
			if err = validateRecordName(rec.Name); err != nil {
				return err
			}
			wanted[rec.Name] = true
			data, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal key record %s: %w", rec.Name, err)
			}
			if err = s.putObject(ctx, s.objectKey("keys", rec.Name+recordExt), data); err != nil {
				return fmt.Errorf("failed to write key record %s: %w", rec.Name, err)
			}
		}
		for _, rec := range existing {
			if wanted[rec.Name] {
				continue
			}
			key := s.objectKey("keys", rec.Name+recordExt)
			if err = s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
				return fmt.Errorf("failed to remove superseded record %s: %w", rec.Name, err)
			}
		}
		if state != nil {
			return s.saveState(ctx, state)
		}
		return s.client.RemoveObject(ctx, s.bucket, s.objectKey("state.json"), minio.RemoveObjectOptions{})
	})
}

func (s *S3Store) Clear() error {
	return s.withLease(func(ctx context.Context) error {
		records, err := s.listRecords(ctx)
		if err != nil {
			return err
		}
		for _, rec := range records {
			key := s.objectKey("keys", rec.Name+recordExt)
			if err = s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
				return fmt.Errorf("failed to remove record %s: %w", rec.Name, err)
			}
		}
		return s.client.RemoveObject(ctx, s.bucket, s.objectKey("state.json"), minio.RemoveObjectOptions{})
	})
}

func (s *S3Store) LoadState() (*ServiceState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	return s.loadState(ctx)
}

func (s *S3Store) loadState(ctx context.Context) (*ServiceState, error) {
	data, err := s.getObject(ctx, s.objectKey("state.json"))
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	var state ServiceState
	if err = json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	return &state, nil
}

func (s *S3Store) SaveState(state *ServiceState) error {
	if state == nil {
		return fmt.Errorf("state is required")
	}
	return s.withLease(func(ctx context.Context) error {
		return s.saveState(ctx, state)
	})
}

func (s *S3Store) saveState(ctx context.Context, state *ServiceState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.putObject(ctx, s.objectKey("state.json"), data)
}

func (s *S3Store) SaveSnapshot(snapPath string, container *SnapshotContainer) (string, error) {
	if container == nil {
		return "", fmt.Errorf("snapshot container is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	name := strings.TrimSpace(snapPath)
	if name == "" {
		name = fmt.Sprintf("snapshot_%s", container.CreatedAt.UTC().Format("20060102_150405"))
	}
	if !strings.HasSuffix(name, snapshotExt) {
		name += snapshotExt
	}
	key := s.objectKey("snapshots", path.Base(name))
	data, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot container: %w", err)
	}
	if err = s.putObject(ctx, key, data); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	return key, nil
}

func (s *S3Store) LoadSnapshot(snapPath string) (*SnapshotContainer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	name := path.Base(strings.TrimSpace(snapPath))
	if !strings.HasSuffix(name, snapshotExt) {
		name += snapshotExt
	}
	data, err := s.getObject(ctx, s.objectKey("snapshots", name))
	if err != nil {
		if err == ErrNotFound {
			return nil, fmt.Errorf("snapshot %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read snapshot %s: %w", name, err)
	}
	var container SnapshotContainer
	if err = json.Unmarshal(data, &container); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", name, err)
	}
	if valid, reason := validateSnapshotContainer(&container); !valid {
		return nil, fmt.Errorf("invalid snapshot %s: %s", name, reason)
	}
	return &container, nil
}

func (s *S3Store) ListSnapshots(string) ([]SnapshotInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s.objectKey("snapshots") + "/"
	var infos []SnapshotInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", obj.Err)
		}
		if !strings.HasSuffix(obj.Key, snapshotExt) {
			continue
		}
		data, err := s.getObject(ctx, obj.Key)
		if err != nil {
			continue
		}
		var container SnapshotContainer
		if json.Unmarshal(data, &container) != nil {
			continue
		}
		valid, _ := validateSnapshotContainer(&container)
		infos = append(infos, SnapshotInfo{
			SnapshotID:    container.SnapshotID,
			CreatedAt:     container.CreatedAt,
			FormatVersion: container.FormatVersion,
			Generation:    container.Generation,
			FileSize:      obj.Size,
			IsValid:       valid,
			StorePath:     obj.Key,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

func (s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to reach S3 backend: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *S3Store) Close() error {
	return nil
}

func (s *S3Store) GetType() string {
	return string(StoreTypeS3)
}
