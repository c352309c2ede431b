// Package s3fs reads remote files from S3-compatible object stores. The
// descriptor host names the bucket; a non-443 port selects a custom endpoint
// on the same host convention used by on-prem object stores.
package s3fs

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/edgecache/dfscache/internal/adaptor"
)

func init() {
	adaptor.Register("s3", func(desc adaptor.Descriptor) (adaptor.Adaptor, error) {
		return New(context.Background(), desc)
	})
}

// Adaptor downloads objects from one bucket.
type Adaptor struct {
	bucket     string
	downloader *manager.Downloader
}

// New builds an adaptor for the bucket named by the descriptor host,
// using the ambient AWS credential chain.
func New(ctx context.Context, desc adaptor.Descriptor) (*Adaptor, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if desc.Port != 443 {
			o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s:%d", desc.Host, desc.Port))
			o.UsePathStyle = true
		}
	})

	return &Adaptor{
		bucket:     desc.Host,
		downloader: manager.NewDownloader(client),
	}, nil
}

// Fetch downloads the object into dst. The manager splits the object into
// concurrent ranged GETs, which is why the destination must support
// WriteAt.
func (a *Adaptor) Fetch(ctx context.Context, relative string, dst adaptor.FileWriter) (int64, error) {
	key := strings.TrimLeft(relative, "/")
	return a.downloader.Download(ctx, dst, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
}
