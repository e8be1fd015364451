// Package archive implements cold-archival of registry entries to an
// S3-compatible object store before a GC sweep discards them, so a
// deregistered entry's metadata survives for audit/recovery even though
// the content itself remains whatever the owning system already did
// with it.
//
// Grounded on the teacher's aws_s3 package: Connect/Config mirrors
// aws_s3/connect.go's minio-style static-credentials client, EnsureBucket
// mirrors manage_bucket.go's CreateBlobStore, and Archive/Fetch/Delete
// mirror red_s3/s3's bucket_as_store.go Add/Fetch/Remove trio, generalized
// from sop's generic KeyValueStore interface to a fixed Record shape and
// using the manager.Uploader/Downloader path unconditionally rather than
// switching on payload size, since archived records are small, fixed-shape
// JSON rather than arbitrary blobs.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	yggdrasil "github.com/yggdrasil-sh/core"
	"github.com/yggdrasil-sh/core/gc"
	"github.com/yggdrasil-sh/core/registry"
)

// Config describes how to reach an S3-compatible endpoint (AWS S3 or a
// self-hosted store such as MinIO).
type Config struct {
	// HostEndpointURL is left empty to use AWS's own endpoint resolution;
	// set to e.g. "http://127.0.0.1:9000" for a self-hosted store.
	HostEndpointURL string
	Region          string
	AccessKey       string
	SecretKey       string
}

// Connect builds an s3.Client from static credentials.
func Connect(cfg Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		if cfg.HostEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.HostEndpointURL)
		}
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	})
}

// Record is the archived, JSON-serialized shape of one registry.Entry.
type Record struct {
	SnapshotID yggdrasil.SnapshotID   `json:"snapshot_id"`
	SystemID   yggdrasil.SystemID     `json:"system_id"`
	Branch     yggdrasil.BranchName   `json:"branch"`
	HLC        yggdrasil.HLC          `json:"hlc"`
	ParentIDs  []yggdrasil.SnapshotID `json:"parent_ids,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Metadata   map[string]string      `json:"metadata,omitempty"`
}

func recordFromEntry(e registry.Entry) Record {
	return Record{
		SnapshotID: e.SnapshotID,
		SystemID:   e.SystemID,
		Branch:     e.Branch,
		HLC:        e.HLC,
		ParentIDs:  e.ParentIDs,
		Message:    e.Message,
		Metadata:   e.Metadata,
	}
}

// Archiver writes and reads archived registry.Entry records against one
// S3 bucket.
type Archiver struct {
	client *s3.Client
	bucket string
	log    *slog.Logger
}

var _ gc.Archiver = (*Archiver)(nil)

// Options configures an Archiver beyond its required client and bucket.
type Options struct {
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// New constructs an Archiver. client must not be nil.
func New(client *s3.Client, bucket string, opts Options) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("archive: s3 client can't be nil")
	}
	if bucket == "" {
		return nil, fmt.Errorf("archive: bucket name can't be empty")
	}
	return &Archiver{client: client, bucket: bucket, log: opts.logger()}, nil
}

// EnsureBucket creates the archiver's bucket if it does not already exist.
func (a *Archiver) EnsureBucket(ctx context.Context) error {
	_, err := a.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(a.bucket),
		CreateBucketConfiguration: &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(""),
		},
	})
	if err != nil {
		var alreadyOwned *types.BucketAlreadyOwnedByYou
		var alreadyExists *types.BucketAlreadyExists
		if errors.As(err, &alreadyOwned) || errors.As(err, &alreadyExists) {
			return nil
		}
		return fmt.Errorf("archive: couldn't create bucket %s: %w", a.bucket, err)
	}
	return nil
}

// Archive uploads one object per entry, keyed by (system, branch, snapshot).
// Archival is best-effort per entry: the last error encountered is returned, but every
// entry that can be archived is still attempted.
func (a *Archiver) Archive(ctx context.Context, entries []registry.Entry) error {
	uploader := manager.NewUploader(a.client)
	var lastErr error
	for _, e := range entries {
		payload, err := json.Marshal(recordFromEntry(e))
		if err != nil {
			lastErr = err
			a.log.Warn("archive: failed to marshal entry", "snapshot_id", e.SnapshotID, "error", err)
			continue
		}
		key := objectKey(e.SystemID, e.Branch, e.SnapshotID)
		if _, err := uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(payload),
		}); err != nil {
			lastErr = err
			a.log.Warn("archive: failed to upload entry", "key", key, "error", err)
			continue
		}
	}
	return lastErr
}

// Fetch retrieves a previously archived record.
func (a *Archiver) Fetch(ctx context.Context, systemID yggdrasil.SystemID, branch yggdrasil.BranchName, snap yggdrasil.SnapshotID) (Record, error) {
	key := objectKey(systemID, branch, snap)
	downloader := manager.NewDownloader(a.client)
	buf := manager.NewWriteAtBuffer([]byte{})
	if _, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return Record{}, fmt.Errorf("archive: couldn't fetch %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		return Record{}, fmt.Errorf("archive: couldn't decode %s: %w", key, err)
	}
	return rec, nil
}

// Delete removes archived records for the given entries, in one batch
// request.
func (a *Archiver) Delete(ctx context.Context, entries []registry.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]types.ObjectIdentifier, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, types.ObjectIdentifier{Key: aws.String(objectKey(e.SystemID, e.Branch, e.SnapshotID))})
	}
	out, err := a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(a.bucket),
		Delete: &types.Delete{Objects: ids},
	})
	if err != nil {
		return fmt.Errorf("archive: couldn't delete objects from bucket %s: %w", a.bucket, err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("archive: %d of %d deletes failed, first: %s", len(out.Errors), len(entries), aws.ToString(out.Errors[0].Message))
	}
	return nil
}

func objectKey(systemID yggdrasil.SystemID, branch yggdrasil.BranchName, snap yggdrasil.SnapshotID) string {
	return fmt.Sprintf("%s/%s/%s.json", systemID, branch, snap)
}
