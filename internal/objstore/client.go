package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type credentialSource interface {
	HasCredentials(ctx context.Context) bool
	Unsigned() bool
}

// MaxHTTPDownloadBytes is the default cap on images fetched by URL. It
// matches the multipart upload limit of the API.
const MaxHTTPDownloadBytes int64 = 32 << 20

var errTooLarge = errors.New("body exceeds size limit")

// DefaultContentType is used when no type can be inferred from the file name.
const DefaultContentType = "application/octet-stream"

// Options configures a Client.
type Options struct {
	Bucket          string
	Region          string
	Profile         string
	EndpointURL     string
	AddressingStyle string
	Unsigned        bool
	HTTPTimeout     time.Duration
	// MaxHTTPBytes caps HTTP downloads; zero means MaxHTTPDownloadBytes.
	MaxHTTPBytes int64
	// Observer, when set, is called once per transfer with the operation name and outcome.
	Observer func(op string, outcome Outcome)
}

// Client moves objects between local files and HTTP or the object store.
// Construct it with NewClient and pass it to its users; Reconfigure builds a
// replacement rather than mutating shared state.
type Client struct {
	opts    Options
	creds   credentialSource
	s3      s3API
	presign presignAPI
	http    *http.Client
	base    zerolog.Logger
	logger  zerolog.Logger
}

// NewClient resolves credentials and builds the S3 clients for opts.
func NewClient(ctx context.Context, opts Options, logger zerolog.Logger) (*Client, error) {
	resolver, err := NewCredentialResolver(ctx, CredentialOptions{
		Region:   opts.Region,
		Profile:  opts.Profile,
		Unsigned: opts.Unsigned,
	}, logger)
	if err != nil {
		return nil, err
	}
	if resolver.FellBack() {
		opts.Profile = ""
	}

	api := s3.NewFromConfig(resolver.AWSConfig(), func(o *s3.Options) {
		o.UsePathStyle = opts.AddressingStyle == "path"
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		if opts.Unsigned {
			o.Credentials = aws.AnonymousCredentials{}
		}
	})

	c := newClient(opts, resolver, api, s3.NewPresignClient(api), logger)
	c.logger.Info().
		Str("bucket", opts.Bucket).
		Str("region", opts.Region).
		Str("endpoint", opts.EndpointURL).
		Str("addressing", opts.AddressingStyle).
		Bool("unsigned", opts.Unsigned).
		Msg("objstore: client ready")
	return c, nil
}

func newClient(opts Options, creds credentialSource, api s3API, presign presignAPI, logger zerolog.Logger) *Client {
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		opts:    opts,
		creds:   creds,
		s3:      api,
		presign: presign,
		http:    &http.Client{Timeout: timeout},
		base:    logger,
		logger:  logger.With().Str("component", "objstore").Logger(),
	}
}

// Reconfigure returns a new Client built from the current options with
// overrides applied. The receiver is left untouched.
func (c *Client) Reconfigure(ctx context.Context, overrides ...func(*Options)) (*Client, error) {
	opts := c.opts
	for _, fn := range overrides {
		fn(&opts)
	}
	return NewClient(ctx, opts, c.base)
}

// Bucket returns the default bucket, possibly empty.
func (c *Client) Bucket() string {
	return c.opts.Bucket
}

// Download fetches ref into destPath, creating parent directories. A partial
// file is removed when the transfer fails.
func (c *Client) Download(ctx context.Context, ref Reference, destPath string) Outcome {
	var outcome Outcome
	if ref.Kind == KindHTTP {
		outcome = c.downloadHTTP(ctx, ref.URL, destPath)
	} else {
		outcome = c.downloadObject(ctx, ref, destPath)
	}
	c.observe("download", outcome)
	return outcome
}

// DownloadToTemp downloads ref into a new temporary file named after the
// reference's extension, or ".bin". The caller removes the file.
func (c *Client) DownloadToTemp(ctx context.Context, ref Reference) (string, Outcome) {
	f, err := os.CreateTemp("", "detect-*"+ref.ExtOr(".bin"))
	if err != nil {
		c.logger.Error().Err(err).Msg("objstore: create temp file failed")
		return "", Failed
	}
	name := f.Name()
	_ = f.Close()

	outcome := c.Download(ctx, ref, name)
	if !outcome.OK() {
		_ = os.Remove(name)
		return "", outcome
	}
	return name, outcome
}

func (c *Client) downloadHTTP(ctx context.Context, rawURL, destPath string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		c.logger.Error().Err(err).Str("url", rawURL).Msg("objstore: bad download url")
		return Failed
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("url", rawURL).Msg("objstore: http download failed")
		return Failed
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().Int("status", resp.StatusCode).Str("url", rawURL).Msg("objstore: http download rejected")
		return Failed
	}
	limit := c.opts.MaxHTTPBytes
	if limit <= 0 {
		limit = MaxHTTPDownloadBytes
	}
	if resp.ContentLength > limit {
		c.logger.Error().Int64("size", resp.ContentLength).Int64("limit", limit).Str("url", rawURL).Msg("objstore: http download too large")
		return Failed
	}
	if err := writeFile(destPath, io.LimitReader(resp.Body, limit+1), limit); err != nil {
		c.logger.Error().Err(err).Int64("limit", limit).Str("url", rawURL).Str("dest", destPath).Msg("objstore: write download failed")
		return Failed
	}
	c.logger.Debug().Str("url", rawURL).Str("dest", destPath).Msg("objstore: downloaded")
	return Succeeded
}

func (c *Client) downloadObject(ctx context.Context, ref Reference, destPath string) Outcome {
	bucket := ref.Bucket
	if bucket == "" {
		bucket = c.opts.Bucket
	}
	if bucket == "" {
		c.logger.Error().Str("key", ref.Key).Msg("objstore: download skipped, no bucket configured")
		return Skipped
	}

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		c.logTransferError(err, "download", bucket, ref.Key)
		return Failed
	}
	defer out.Body.Close()

	if err := writeFile(destPath, out.Body, 0); err != nil {
		c.logger.Error().Err(err).Str("bucket", bucket).Str("key", ref.Key).Str("dest", destPath).Msg("objstore: write download failed")
		return Failed
	}
	c.logger.Debug().Str("bucket", bucket).Str("key", ref.Key).Str("dest", destPath).Msg("objstore: downloaded")
	return Succeeded
}

// UploadOption adjusts a single upload.
type UploadOption func(*s3.PutObjectInput)

// WithContentType overrides the content type inferred from the file name.
func WithContentType(contentType string) UploadOption {
	return func(in *s3.PutObjectInput) {
		if contentType != "" {
			in.ContentType = aws.String(contentType)
		}
	}
}

// Upload puts localPath at key in the default bucket with the given user
// metadata, overwriting any existing object. It is skipped when the bucket,
// the file or credentials are missing.
func (c *Client) Upload(ctx context.Context, localPath, key string, metadata map[string]string, opts ...UploadOption) Outcome {
	outcome := c.upload(ctx, localPath, key, metadata, opts...)
	c.observe("upload", outcome)
	return outcome
}

func (c *Client) upload(ctx context.Context, localPath, key string, metadata map[string]string, opts ...UploadOption) Outcome {
	log := c.logger.With().Str("bucket", c.opts.Bucket).Str("key", key).Logger()
	if c.opts.Bucket == "" {
		log.Warn().Msg("objstore: upload skipped, no bucket configured")
		return Skipped
	}
	info, err := os.Stat(localPath)
	if err != nil || info.IsDir() {
		log.Warn().Str("path", localPath).Msg("objstore: upload skipped, local file missing")
		return Skipped
	}
	if !c.creds.HasCredentials(ctx) {
		log.Warn().Bool("unsigned", c.creds.Unsigned()).Msg("objstore: upload skipped, no credentials")
		return Skipped
	}

	f, err := os.Open(localPath)
	if err != nil {
		log.Error().Err(err).Str("path", localPath).Msg("objstore: open upload failed")
		return Failed
	}
	defer f.Close()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(c.opts.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ContentTypeFor(localPath)),
		Metadata:      metadata,
	}
	for _, opt := range opts {
		opt(in)
	}

	if _, err := c.s3.PutObject(ctx, in); err != nil {
		c.logTransferError(err, "upload", c.opts.Bucket, key)
		return Failed
	}
	log.Info().Str("content_type", aws.ToString(in.ContentType)).Msg("objstore: uploaded")
	return Succeeded
}

// Delete removes key from the default bucket. Best effort.
func (c *Client) Delete(ctx context.Context, key string) Outcome {
	outcome := c.delete(ctx, key)
	c.observe("delete", outcome)
	return outcome
}

func (c *Client) delete(ctx context.Context, key string) Outcome {
	if c.opts.Bucket == "" {
		c.logger.Warn().Str("key", key).Msg("objstore: delete skipped, no bucket configured")
		return Skipped
	}
	if !c.creds.HasCredentials(ctx) {
		c.logger.Warn().Str("key", key).Bool("unsigned", c.creds.Unsigned()).Msg("objstore: delete skipped, no credentials")
		return Skipped
	}
	if _, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	}); err != nil {
		c.logTransferError(err, "delete", c.opts.Bucket, key)
		return Failed
	}
	c.logger.Info().Str("bucket", c.opts.Bucket).Str("key", key).Msg("objstore: deleted")
	return Succeeded
}

// PresignRead returns a time limited GET URL for key in the default bucket.
// The second value is false when no URL can be issued.
func (c *Client) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	if c.opts.Bucket == "" || key == "" {
		return "", false
	}
	if !c.creds.HasCredentials(ctx) {
		c.logger.Debug().Str("key", key).Bool("unsigned", c.creds.Unsigned()).Msg("objstore: presign skipped, no credentials")
		return "", false
	}
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.opts.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		c.logTransferError(err, "presign", c.opts.Bucket, key)
		return "", false
	}
	return req.URL, true
}

func (c *Client) logTransferError(err error, op, bucket, key string) {
	ev := c.logger.Error().Err(err).Str("op", op).Str("bucket", bucket).Str("key", key)
	var noKey *types.NoSuchKey
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &noKey):
		ev = ev.Str("code", "NoSuchKey")
	case errors.As(err, &apiErr):
		ev = ev.Str("code", apiErr.ErrorCode())
	}
	ev.Msg("objstore: " + op + " failed")
}

func (c *Client) observe(op string, outcome Outcome) {
	if c.opts.Observer != nil {
		c.opts.Observer(op, outcome)
	}
}

// ContentTypeFor infers a content type from the file extension.
func ContentTypeFor(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return DefaultContentType
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return DefaultContentType
}

// writeFile copies body to destPath. A positive limit rejects bodies longer
// than limit bytes and removes the partial file.
func writeFile(destPath string, body io.Reader, limit int64) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("ensure directory: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, body)
	if err == nil && limit > 0 && n > limit {
		err = errTooLarge
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(destPath)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(destPath)
		return err
	}
	return nil
}
