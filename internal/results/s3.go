// Package results expands object-store result locations into links to the
// individual objects a job produced.
package results

import (
	"ades/internal/apperrors"
	"ades/internal/job"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bmatcuk/doublestar/v4"
)

const defaultContentType = "application/octet-stream"

// Config configures the S3 client and the object filter.
type Config struct {
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	// Glob filters object keys relative to the link prefix. Empty matches all.
	Glob string
}

// S3Expander implements job.LinkExpander for s3:// links.
type S3Expander struct {
	client s3.ListObjectsV2APIClient
	glob   string
	logger *slog.Logger
}

// NewS3Expander builds an S3 client from the default credential chain, or
// from static credentials when both keys are set.
func NewS3Expander(ctx context.Context, cfg Config) (*S3Expander, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3ExpanderWithClient(client, cfg.Glob)
}

// NewS3ExpanderWithClient uses an existing listing client.
func NewS3ExpanderWithClient(client s3.ListObjectsV2APIClient, glob string) (*S3Expander, error) {
	if glob != "" && !doublestar.ValidatePattern(glob) {
		return nil, apperrors.Validation("glob", fmt.Sprintf("invalid pattern %q", glob))
	}
	return &S3Expander{
		client: client,
		glob:   glob,
		logger: slog.With("component", "results"),
	}, nil
}

// Expand replaces each s3:// link by one link per matching object under its
// prefix. Other links, and prefixes with no matching objects, are kept.
func (e *S3Expander) Expand(ctx context.Context, links []job.Link) ([]job.Link, error) {
	out := make([]job.Link, 0, len(links))
	for _, link := range links {
		bucket, prefix, ok := parseS3URL(link.Href)
		if !ok {
			out = append(out, link)
			continue
		}
		objects, err := e.list(ctx, bucket, prefix, link)
		if err != nil {
			return nil, err
		}
		if len(objects) == 0 {
			out = append(out, link)
			continue
		}
		out = append(out, objects...)
	}
	return out, nil
}

func (e *S3Expander) list(ctx context.Context, bucket, prefix string, parent job.Link) ([]job.Link, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var links []job.Link
	pages := s3.NewListObjectsV2Paginator(e.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, wrapError(bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			if e.glob != "" {
				matched, err := doublestar.Match(e.glob, rel)
				if err != nil || !matched {
					continue
				}
			}
			links = append(links, job.Link{
				Href:  "s3://" + bucket + "/" + key,
				Rel:   parent.Rel,
				Type:  contentType(key),
				Title: rel,
			})
		}
	}
	e.logger.Debug("Expanded result location", "bucket", bucket, "prefix", prefix, "objects", len(links))
	return links, nil
}

// parseS3URL splits s3://bucket/prefix.
func parseS3URL(href string) (bucket, prefix string, ok bool) {
	rest, found := strings.CutPrefix(href, "s3://")
	if !found {
		return "", "", false
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", false
	}
	return bucket, prefix, true
}

func contentType(key string) string {
	if t := mime.TypeByExtension(path.Ext(key)); t != "" {
		return t
	}
	return defaultContentType
}

// wrapError reports listing failures as Backend errors carrying the S3
// error code.
func wrapError(bucket, prefix string, err error) error {
	location := "s3://" + bucket + "/" + prefix
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		diagnostic := fmt.Sprintf("%s: %s (%s)", apiErr.ErrorCode(), apiErr.ErrorMessage(), location)
		return apperrors.Backend("results.list", diagnostic, err)
	}
	return apperrors.Backend("results.list", fmt.Sprintf("%s (%s)", err.Error(), location), err)
}
