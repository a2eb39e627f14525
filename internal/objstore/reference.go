package objstore

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"detectsvc/internal/domain"
)

// Kind tells which shape a reference string resolved to.
type Kind int

const (
	KindBareKey Kind = iota
	KindHTTP
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindStore:
		return "store"
	default:
		return "key"
	}
}

// StoreScheme is the URI scheme for object store references.
const StoreScheme = "s3"

// Reference is a classified input reference. For KindHTTP only URL is set,
// for KindStore Bucket and Key, for KindBareKey only Key (the default bucket applies).
type Reference struct {
	Kind   Kind
	URL    string
	Bucket string
	Key    string
}

// Classify resolves a user supplied reference. The input is trimmed,
// percent-decoded and stripped of CR/LF before it is inspected, so values
// lifted out of query strings are safe to pass through.
func Classify(raw string) (Reference, error) {
	s := sanitize(raw)
	if s == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", domain.ErrInvalidReference)
	}

	u, err := url.Parse(s)
	if err != nil {
		return BareKey(s), nil
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return Reference{Kind: KindHTTP, URL: s}, nil
	case StoreScheme:
		bucket := u.Host
		key := strings.TrimLeft(u.Path, "/")
		if bucket == "" || key == "" {
			return Reference{}, fmt.Errorf("%w: %q needs both bucket and key", domain.ErrInvalidReference, s)
		}
		return StoreRef(bucket, key), nil
	default:
		return BareKey(s), nil
	}
}

// StoreRef builds a store reference without going through a URI string.
func StoreRef(bucket, key string) Reference {
	return Reference{Kind: KindStore, Bucket: bucket, Key: key}
}

// BareKey builds a reference to key in the default bucket.
func BareKey(key string) Reference {
	return Reference{Kind: KindBareKey, Key: key}
}

func (r Reference) String() string {
	switch r.Kind {
	case KindHTTP:
		return r.URL
	case KindStore:
		return StoreScheme + "://" + r.Bucket + "/" + r.Key
	default:
		return r.Key
	}
}

// Ext returns the file extension of the referenced object, ignoring any
// query string, or "" when there is none.
func (r Reference) Ext() string {
	p := r.Key
	if r.Kind == KindHTTP {
		if u, err := url.Parse(r.URL); err == nil {
			p = u.Path
		} else {
			p = r.URL
		}
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return path.Ext(p)
}

// ExtOr returns Ext or fallback when the reference has no extension.
func (r Reference) ExtOr(fallback string) string {
	if ext := r.Ext(); ext != "" {
		return ext
	}
	return fallback
}

func sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	if decoded, err := url.PathUnescape(s); err == nil {
		s = decoded
	}
	s = strings.NewReplacer("\r", "", "\n", "").Replace(s)
	return strings.TrimSpace(s)
}
