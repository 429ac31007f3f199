package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"content-allocator/internal/config"
	"content-allocator/internal/models"
	"content-allocator/internal/store"
)

// S3Source imports media from an S3 bucket into the asset pool. Objects are
// keyed `<model-prefix>/<niche>/<file>`; the object key doubles as the
// external id, which makes refresh idempotent.
type S3Source struct {
	client   *s3.Client
	bucket   string
	maxBytes int64
	store    *store.Store
	log      *zap.Logger
}

// NewS3Source builds the source, or returns nil when no bucket is configured.
func NewS3Source(ctx context.Context, cfg config.Config, st *store.Store, log *zap.Logger) (*S3Source, error) {
	if cfg.AssetBucket == "" {
		return nil, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3Source{
		client:   client,
		bucket:   cfg.AssetBucket,
		maxBytes: cfg.AssetMaxBytes,
		store:    st,
		log:      log,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AssetRegion),
	}
	if cfg.AssetEndpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.AssetEndpoint,
					HostnameImmutable: cfg.AssetPathStyle,
					SigningRegion:     cfg.AssetRegion,
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
		o.UsePathStyle = cfg.AssetPathStyle
	}), nil
}

// Refresh lists the model's prefix and imports any object not yet known.
// Image objects are decode-probed before approval; objects that fail the
// probe are skipped, not imported unapproved.
func (s *S3Source) Refresh(ctx context.Context, modelID, prefix string) (int, error) {
	known, err := s.store.KnownExternalIDs(ctx, modelID)
	if err != nil {
		return 0, err
	}

	imported := 0
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return imported, fmt.Errorf("list asset objects: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || known[key] {
				continue
			}
			kind := KindForKey(key)
			if kind == "" {
				continue
			}
			p := store.CreateAssetParams{
				ModelID:    modelID,
				ExternalID: key,
				Kind:       kind,
				NicheTag:   NicheForKey(key, prefix),
				Approved:   true,
			}
			if kind == models.AssetImage {
				w, h, err := s.probe(ctx, key)
				if err != nil {
					s.log.Warn("skipping undecodable asset object", zap.String("key", key), zap.Error(err))
					continue
				}
				p.Width, p.Height = w, h
			}
			if _, created, err := s.store.CreateAsset(ctx, p); err != nil {
				return imported, err
			} else if created {
				imported++
			}
		}
		if page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}
	return imported, nil
}

func (s *S3Source) probe(ctx context.Context, key string) (int, int, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, 0, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxBytes+1))
	if err != nil {
		return 0, 0, fmt.Errorf("read object: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return 0, 0, fmt.Errorf("object too large (>%d bytes)", s.maxBytes)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	return bounds.Dx(), bounds.Dy(), nil
}

// KindForKey maps a file extension to an asset kind; unknown extensions
// return "".
func KindForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return models.AssetImage
	case ".mp4", ".mov", ".webm":
		return models.AssetVideo
	default:
		return ""
	}
}

// NicheForKey takes the first path segment below the model prefix as the
// asset's niche tag; objects directly under the prefix come back untagged.
func NicheForKey(key, prefix string) string {
	rest := strings.TrimPrefix(key, prefix)
	rest = strings.TrimPrefix(rest, "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) < 2 {
		return ""
	}
	return strings.ToLower(parts[0])
}
