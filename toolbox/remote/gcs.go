package remote

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/mdunnam/XMDToolBox4v2/toolbox/asset"
)

const fingerprintMetaKey = "fingerprint"

// GCSInventory backs the remote inventory with a Google Cloud Storage
// bucket. The content hash travels in object metadata so listing never
// has to download payloads.
type GCSInventory struct {
	client *storage.Client
	bucket string
}

// NewGCSInventory opens a client against the given bucket. When
// credentialsFile is empty the ambient application-default credentials
// are used.
func NewGCSInventory(ctx context.Context, bucket, credentialsFile string) (*GCSInventory, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", credentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSInventory{client: client, bucket: bucket}, nil
}

func (g *GCSInventory) Close() error { return g.client.Close() }

func (g *GCSInventory) List(ctx context.Context, prefix string) ([]Object, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	var objects []Object
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, classify(fmt.Errorf("listing gs://%s/%s: %w", g.bucket, prefix, err))
		}
		fp := attrs.Metadata[fingerprintMetaKey]
		if fp == "" {
			// Legacy object uploaded without metadata; the MD5 still
			// distinguishes content versions.
			fp = hex.EncodeToString(attrs.MD5)
		}
		objects = append(objects, Object{Key: attrs.Name, Fingerprint: fp, Size: attrs.Size})
	}
	return objects, nil
}

func (g *GCSInventory) Upload(ctx context.Context, localPath, key string) error {
	fp, err := asset.ComputeFingerprint(localPath)
	if err != nil {
		return fmt.Errorf("fingerprinting %s before upload: %w", localPath, err)
	}

	localFile, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open the local file %s: %w", localPath, err)
	}
	defer localFile.Close()

	obj := g.client.Bucket(g.bucket).Object(key)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.Metadata = map[string]string{fingerprintMetaKey: fp.Hash}

	if _, err := io.Copy(writer, localFile); err != nil {
		writer.Close()
		return classify(fmt.Errorf("failed to copy %s to gs://%s/%s: %w", localPath, g.bucket, key, err))
	}
	if err := writer.Close(); err != nil {
		return classify(fmt.Errorf("failed to close GCS writer for %s: %w", key, err))
	}

	slog.Debug("uploaded asset", "local", localPath, "bucket", g.bucket, "key", key)
	return nil
}

func (g *GCSInventory) Download(ctx context.Context, key, localPath string) error {
	reader, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return classify(fmt.Errorf("opening gs://%s/%s: %w", g.bucket, key, err))
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", localPath, err)
	}

	// Write into a sibling temp file and rename so a failed download
	// never leaves a truncated asset at the final path.
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", localPath, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return classify(fmt.Errorf("downloading gs://%s/%s: %w", g.bucket, key, err))
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file for %s: %w", localPath, err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		return fmt.Errorf("moving downloaded asset into place at %s: %w", localPath, err)
	}

	slog.Debug("downloaded asset", "bucket", g.bucket, "key", key, "local", localPath)
	return nil
}

// classify maps SDK errors onto the engine's permanent/transient split.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return Transient(err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	// Unclassified network failures retry.
	return Transient(err)
}
