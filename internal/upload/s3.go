package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mattjoyce/gradeq/internal/config"
)

// PutObjectAPI is the slice of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from the course's upload settings. A custom
// endpoint (MinIO, R2) is honoured for the S3 service only.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3 stores every artifact under <prefix>/<course>/<workspace>/<name>.
type S3 struct {
	client PutObjectAPI
	bucket string
	prefix string
	course string
	logger *slog.Logger
}

func NewS3(client PutObjectAPI, bucket, prefix, course string, logger *slog.Logger) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix, course: course, logger: logger}
}

func (u *S3) Upload(ctx context.Context, configPath string, files []string) error {
	all := files
	if configPath != "" {
		all = append([]string{configPath}, files...)
	}
	for _, f := range all {
		key := u.key(f)
		if err := u.put(ctx, f, key); err != nil {
			return err
		}
		u.logger.Debug("uploaded artifact", "bucket", u.bucket, "key", key)
	}
	return nil
}

func (u *S3) key(file string) string {
	workspace := filepath.Base(filepath.Dir(file))
	return path.Join(u.prefix, u.course, workspace, filepath.Base(file))
}

func (u *S3) put(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("put object s3://%s/%s: %w", u.bucket, key, err)
	}
	return nil
}
