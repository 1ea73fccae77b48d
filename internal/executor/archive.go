package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cockroachdb/errors"

	"provisioning-orchestrator/internal/config"
)

// StateArchiver keeps a copy of a job's terraform.tfstate outside the workspace so an
// operator can run destroy later.
type StateArchiver interface {
	Archive(ctx context.Context, jobID string, state []byte) (string, error)
}

// NewStateArchiver picks S3 when TF_STATE_BUCKET is set, otherwise a local directory.
// It returns nil when neither is configured.
func NewStateArchiver(ctx context.Context, cfg config.Config) (StateArchiver, error) {
	if cfg.TFStateBucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &s3Archiver{client: client, bucket: cfg.TFStateBucket}, nil
	}
	if cfg.TFStateArchiveDir != "" {
		return &localArchiver{baseDir: cfg.TFStateArchiveDir}, nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.TFStateRegion))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.TFStateEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.TFStateEndpoint)
		}
		o.UsePathStyle = cfg.TFStatePathStyle
	}), nil
}

func stateKey(jobID string) string {
	return fmt.Sprintf("jobs/%s/terraform.tfstate", jobID)
}

type localArchiver struct {
	baseDir string
}

func (l *localArchiver) Archive(_ context.Context, jobID string, state []byte) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(stateKey(jobID)))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", errors.Wrap(err, "create state dir")
	}
	if err := os.WriteFile(path, state, 0o600); err != nil {
		return "", errors.Wrap(err, "write state")
	}
	return path, nil
}

type s3Archiver struct {
	client *s3.Client
	bucket string
}

func (s *s3Archiver) Archive(ctx context.Context, jobID string, state []byte) (string, error) {
	key := stateKey(jobID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(state),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", errors.Wrap(err, "put object")
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
