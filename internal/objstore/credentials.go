package objstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
)

type configLoader func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error)

// CredentialOptions selects where object store credentials come from.
type CredentialOptions struct {
	Region   string
	Profile  string
	Unsigned bool
}

// CredentialResolver loads the AWS configuration used to sign store requests.
// A configured profile that does not exist is dropped once, with a warning,
// and the ambient credential chain is used instead.
type CredentialResolver struct {
	cfg      aws.Config
	profile  string
	unsigned bool
	fellBack bool
	logger   zerolog.Logger
}

// NewCredentialResolver resolves credentials for opts.
func NewCredentialResolver(ctx context.Context, opts CredentialOptions, logger zerolog.Logger) (*CredentialResolver, error) {
	return newCredentialResolver(ctx, opts, logger, config.LoadDefaultConfig)
}

func newCredentialResolver(ctx context.Context, opts CredentialOptions, logger zerolog.Logger, load configLoader) (*CredentialResolver, error) {
	r := &CredentialResolver{
		profile:  opts.Profile,
		unsigned: opts.Unsigned,
		logger:   logger,
	}

	base := []func(*config.LoadOptions) error{}
	if opts.Region != "" {
		base = append(base, config.WithRegion(opts.Region))
	}

	withProfile := base
	if r.profile != "" {
		withProfile = append(append([]func(*config.LoadOptions) error{}, base...), config.WithSharedConfigProfile(r.profile))
	}

	cfg, err := load(ctx, withProfile...)
	var missing config.SharedConfigProfileNotExistError
	if err != nil && r.profile != "" && errors.As(err, &missing) {
		logger.Warn().
			Str("profile", r.profile).
			Msg("objstore: profile not found, falling back to default credential chain")
		_ = os.Unsetenv("AWS_PROFILE")
		_ = os.Unsetenv("AWS_DEFAULT_PROFILE")
		r.profile = ""
		r.fellBack = true
		cfg, err = load(ctx, base...)
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: load aws config: %w", err)
	}

	r.cfg = cfg
	return r, nil
}

// AWSConfig returns the resolved SDK configuration.
func (r *CredentialResolver) AWSConfig() aws.Config {
	return r.cfg
}

// Profile returns the profile in use, empty after a fallback.
func (r *CredentialResolver) Profile() string {
	return r.profile
}

// FellBack reports whether the configured profile was dropped.
func (r *CredentialResolver) FellBack() bool {
	return r.fellBack
}

// Unsigned reports whether requests are sent anonymously.
func (r *CredentialResolver) Unsigned() bool {
	return r.unsigned
}

// HasCredentials reports whether a usable access key pair can be retrieved
// from the ambient chain. Unsigned mode only changes how the S3 client signs
// requests, so it does not affect the answer.
func (r *CredentialResolver) HasCredentials(ctx context.Context) bool {
	if r == nil || r.cfg.Credentials == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	creds, err := r.cfg.Credentials.Retrieve(ctx)
	if err != nil {
		r.logger.Debug().Err(err).Msg("objstore: credentials unavailable")
		return false
	}
	return creds.AccessKeyID != "" && creds.SecretAccessKey != ""
}
