package objstore

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/rs/zerolog"
)

type fakeLoader struct {
	profiles  []string
	providers []aws.CredentialsProvider
	missing   string
}

func (f *fakeLoader) load(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
	var lo config.LoadOptions
	for _, fn := range optFns {
		if err := fn(&lo); err != nil {
			return aws.Config{}, err
		}
	}
	f.profiles = append(f.profiles, lo.SharedConfigProfile)
	f.providers = append(f.providers, lo.Credentials)
	if lo.SharedConfigProfile != "" && lo.SharedConfigProfile == f.missing {
		return aws.Config{}, config.SharedConfigProfileNotExistError{Profile: lo.SharedConfigProfile}
	}
	return aws.Config{
		Region: lo.Region,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}, nil
		}),
	}, nil
}

func TestCredentialResolverFallsBackOnMissingProfile(t *testing.T) {
	t.Setenv("AWS_PROFILE", "ghost")
	t.Setenv("AWS_DEFAULT_PROFILE", "ghost")
	loader := &fakeLoader{missing: "ghost"}

	r, err := newCredentialResolver(context.Background(), CredentialOptions{Region: "eu-west-1", Profile: "ghost"}, zerolog.Nop(), loader.load)
	if err != nil {
		t.Fatalf("newCredentialResolver returned error: %v", err)
	}
	if !r.FellBack() || r.Profile() != "" {
		t.Fatalf("expected fallback, got fellBack=%v profile=%q", r.FellBack(), r.Profile())
	}
	if len(loader.profiles) != 2 || loader.profiles[0] != "ghost" || loader.profiles[1] != "" {
		t.Fatalf("loader calls = %#v", loader.profiles)
	}
	if _, ok := os.LookupEnv("AWS_PROFILE"); ok {
		t.Fatalf("AWS_PROFILE should be cleared")
	}
	if _, ok := os.LookupEnv("AWS_DEFAULT_PROFILE"); ok {
		t.Fatalf("AWS_DEFAULT_PROFILE should be cleared")
	}
	if !r.HasCredentials(context.Background()) {
		t.Fatalf("expected credentials after fallback")
	}
}

func TestCredentialResolverKeepsExistingProfile(t *testing.T) {
	loader := &fakeLoader{missing: "ghost"}
	r, err := newCredentialResolver(context.Background(), CredentialOptions{Profile: "dev"}, zerolog.Nop(), loader.load)
	if err != nil {
		t.Fatalf("newCredentialResolver returned error: %v", err)
	}
	if r.FellBack() || r.Profile() != "dev" {
		t.Fatalf("unexpected fallback: fellBack=%v profile=%q", r.FellBack(), r.Profile())
	}
	if len(loader.profiles) != 1 {
		t.Fatalf("loader called %d times, want 1", len(loader.profiles))
	}
}

func TestCredentialResolverPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	load := func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, boom
	}
	if _, err := newCredentialResolver(context.Background(), CredentialOptions{Profile: "dev"}, zerolog.Nop(), load); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
}

func TestHasCredentials(t *testing.T) {
	failing := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{}, errors.New("no chain")
	})
	staticCreds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "SECRET"}, nil
	})
	empty := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKID"}, nil
	})

	tests := []struct {
		name string
		r    *CredentialResolver
		want bool
	}{
		{"nil resolver", nil, false},
		{"no provider", &CredentialResolver{logger: zerolog.Nop()}, false},
		{"provider error", &CredentialResolver{logger: zerolog.Nop(), cfg: aws.Config{Credentials: failing}}, false},
		{"missing secret", &CredentialResolver{logger: zerolog.Nop(), cfg: aws.Config{Credentials: empty}}, false},
		{"unsigned without chain", &CredentialResolver{unsigned: true, logger: zerolog.Nop()}, false},
		{"unsigned with chain", &CredentialResolver{unsigned: true, logger: zerolog.Nop(), cfg: aws.Config{Credentials: staticCreds}}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.r.HasCredentials(context.Background()); got != tc.want {
				t.Fatalf("HasCredentials() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCredentialResolverUnsignedKeepsAmbientChain(t *testing.T) {
	loader := &fakeLoader{}
	r, err := newCredentialResolver(context.Background(), CredentialOptions{Region: "us-east-1", Unsigned: true}, zerolog.Nop(), loader.load)
	if err != nil {
		t.Fatalf("newCredentialResolver returned error: %v", err)
	}
	if len(loader.providers) != 1 || loader.providers[0] != nil {
		t.Fatalf("loader should resolve the ambient chain, got providers %#v", loader.providers)
	}
	if !r.Unsigned() {
		t.Fatal("Unsigned() = false")
	}
	if !r.HasCredentials(context.Background()) {
		t.Fatal("unsigned mode should still see ambient credentials")
	}
}
