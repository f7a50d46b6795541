// Package storage replicates snapshot pairs to S3-compatible object
// storage. The local snapshot directory is the fast path; the object store
// lets a workspace resume after its local snapshot is lost. The memory file
// travels as a checksummed extent archive (package sparse), so transfer
// size tracks resident memory rather than allocated RAM.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fcsandbox/fcsandbox/internal/artifacts"
	"github.com/fcsandbox/fcsandbox/internal/sparse"
)

// S3Config holds the object storage configuration.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// SnapshotStore uploads and fetches snapshot pairs keyed by workspace id.
type SnapshotStore struct {
	client *s3.Client
	bucket string
}

// NewSnapshotStore creates a store. With an empty AccessKeyID the default
// AWS credential chain is used (IAM instance profile on EC2).
func NewSnapshotStore(cfg S3Config) (*SnapshotStore, error) {
	var client *s3.Client
	optFns := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		},
	}

	if cfg.AccessKeyID != "" {
		optFns = append(optFns, func(o *s3.Options) {
			o.Region = cfg.Region
			o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		})
		client = s3.New(s3.Options{}, optFns...)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg, optFns...)
	}

	return &SnapshotStore{client: client, bucket: cfg.Bucket}, nil
}

func stateKey(workspaceID string) string {
	return fmt.Sprintf("snapshots/%s/snapshot", workspaceID)
}

func memKey(workspaceID string) string {
	return fmt.Sprintf("snapshots/%s/memory.sparse.zst", workspaceID)
}

// Replicate uploads the snapshot pair from snapDir.
func (s *SnapshotStore) Replicate(ctx context.Context, workspaceID, snapDir string) error {
	statePath := filepath.Join(snapDir, artifacts.SnapshotStateName)
	if err := s.uploadFile(ctx, stateKey(workspaceID), statePath); err != nil {
		return fmt.Errorf("upload vm state: %w", err)
	}

	memArchive := filepath.Join(snapDir, artifacts.SnapshotMemName+".sparse.zst")
	if _, err := sparse.PackFile(filepath.Join(snapDir, artifacts.SnapshotMemName), memArchive); err != nil {
		return fmt.Errorf("pack memory file: %w", err)
	}
	defer os.Remove(memArchive)

	if err := s.uploadFile(ctx, memKey(workspaceID), memArchive); err != nil {
		return fmt.Errorf("upload memory: %w", err)
	}
	return nil
}

// Fetch downloads the snapshot pair into snapDir, unpacking the memory
// archive back into a sparse file.
func (s *SnapshotStore) Fetch(ctx context.Context, workspaceID, snapDir string) error {
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	if err := s.downloadFile(ctx, stateKey(workspaceID), filepath.Join(snapDir, artifacts.SnapshotStateName)); err != nil {
		return fmt.Errorf("download vm state: %w", err)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(memKey(workspaceID)),
	})
	if err != nil {
		return fmt.Errorf("download memory: %w", err)
	}
	defer out.Body.Close()

	if err := sparse.Unpack(out.Body, filepath.Join(snapDir, artifacts.SnapshotMemName)); err != nil {
		return fmt.Errorf("unpack memory: %w", err)
	}
	return nil
}

// Delete removes a workspace's replicated snapshot. Manager.Destroy does not
// call it; destroy removes only the local snapshot directory.
func (s *SnapshotStore) Delete(ctx context.Context, workspaceID string) error {
	for _, key := range []string{stateKey(workspaceID), memKey(workspaceID)} {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

func (s *SnapshotStore) uploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	return err
}

func (s *SnapshotStore) downloadFile(ctx context.Context, key, path string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return err
	}
	defer out.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.ReadFrom(out.Body); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
