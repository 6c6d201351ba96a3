// Package publish uploads a build output directory to an S3 bucket.
package publish

import (
	"context"
	"io/fs"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go/logging"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultRetries is the number of attempts for a single upload
const DefaultRetries = 3

const uploadConcurrency = 4

// Uploader is implemented by manager.Uploader
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type s3Logger struct {
	logger zerolog.Logger
}

func (l *s3Logger) Logf(classification logging.Classification, format string, v ...interface{}) {
	if classification == logging.Warn {
		l.logger.Warn().Msgf(format, v...)
		return
	}
	l.logger.Debug().Msgf(format, v...)
}

// NewUploader creates an S3 uploader; credentials are read from the environment or the shared
// AWS configuration files.
func NewUploader(ctx context.Context, region string, logger zerolog.Logger) (*manager.Uploader, error) {
	awsLogger := &s3Logger{logger: logger.With().Str("module", "s3").Logger()}

	opts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(DefaultRetries),
		config.WithLogger(awsLogger),
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.Logger = awsLogger
		o.ClientLogMode = aws.LogRetries
	})

	return manager.NewUploader(client), nil
}

// Options describes a publishing run
type Options struct {
	Root   string
	Bucket string
	Prefix string
}

// Key returns the object key for a path relative to the published root
func Key(prefix, rel string) string {
	rel = filepath.ToSlash(rel)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel
	}

	return path.Join(prefix, rel)
}

// ContentHeaders returns the Content-Type and Content-Encoding for a file name. Precompressed
// variants (.br, .gz) are typed after the file they contain.
func ContentHeaders(name string) (string, string) {
	encoding := ""
	switch strings.ToLower(path.Ext(name)) {
	case ".br":
		encoding = "br"
		name = strings.TrimSuffix(name, path.Ext(name))
	case ".gz":
		encoding = "gzip"
		name = strings.TrimSuffix(name, path.Ext(name))
	}

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return contentType, encoding
}

// Publish uploads every file below opts.Root and returns the s3:// URLs of the uploaded objects
func Publish(ctx context.Context, uploader Uploader, opts Options) ([]string, error) {
	if opts.Bucket == "" {
		return nil, eris.New("no bucket configured")
	}

	files := make([]string, 0)
	err := filepath.WalkDir(opts.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return eris.Wrapf(err, "failed to scan %s", path)
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	urls := make([]string, len(files))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(uploadConcurrency)

	for idx, file := range files {
		idx, file := idx, file
		eg.Go(func() error {
			rel, err := filepath.Rel(opts.Root, file)
			if err != nil {
				return eris.Wrapf(err, "failed to resolve %s", file)
			}

			key := Key(opts.Prefix, rel)
			if err = upload(ctx, uploader, file, opts.Bucket, key); err != nil {
				return err
			}

			u := url.URL{Scheme: "s3", Host: opts.Bucket, Path: key}
			urls[idx] = u.String()
			return nil
		})
	}

	if err = eg.Wait(); err != nil {
		return nil, err
	}

	sort.Strings(urls)
	return urls, nil
}

func upload(ctx context.Context, uploader Uploader, file, bucket, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", file)
	}
	defer f.Close()

	contentType, encoding := ContentHeaders(file)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	}
	if encoding != "" {
		input.ContentEncoding = aws.String(encoding)
	}

	if _, err = uploader.Upload(ctx, input); err != nil {
		return eris.Wrapf(err, "failed to upload %s to s3://%s/%s", file, bucket, key)
	}

	return nil
}
