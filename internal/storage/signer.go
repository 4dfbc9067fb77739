package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/mediastore/internal/logging"
	"github.com/fruitsalade/mediastore/internal/metrics"
)

const (
	DefaultPublicTTL   = 24 * time.Hour
	DefaultPrivateTTL  = 15 * time.Minute
	DefaultLocalPrefix = "/media"
)

// CapabilityKind says how a capability URL was produced.
type CapabilityKind string

const (
	CapabilityLocal     CapabilityKind = "local"
	CapabilityPublic    CapabilityKind = "public"
	CapabilityPublicACL CapabilityKind = "public-acl"
	CapabilityPresigned CapabilityKind = "presigned"
	CapabilityCDNSigned CapabilityKind = "cdn-signed"
)

// Capability grants read access to one object. A nil ExpiresAt means the URL
// does not expire.
type Capability struct {
	Key       string         `json:"key"`
	URL       string         `json:"url"`
	ExpiresAt *time.Time     `json:"expiresAt"`
	Kind      CapabilityKind `json:"kind"`
}

// Expired reports whether the capability has lapsed at now.
func (c *Capability) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// CDNSigner signs URLs for a CDN front end.
type CDNSigner interface {
	Sign(rawURL string, expires time.Time) (string, error)
}

// SignerConfig holds URL issuing settings.
type SignerConfig struct {
	LocalPrefix   string   // serving path for local-backend URLs
	PublicBaseURL string   // CDN/base URL in front of the public container
	CDNDomain     string   // CDN base URL in front of the private container
	CDNCategories []string // namespaces served through CDNDomain
	PublicTTL     time.Duration
	PrivateTTL    time.Duration
}

// Signer issues access capabilities for stored objects.
type Signer struct {
	backend       Backend
	cfg           SignerConfig
	cdn           CDNSigner
	cdnCategories map[string]struct{}
	now           func() time.Time
}

// NewSigner creates a Signer for backend. cdn may be nil.
func NewSigner(backend Backend, cfg SignerConfig, cdn CDNSigner) *Signer {
	if cfg.LocalPrefix == "" {
		cfg.LocalPrefix = DefaultLocalPrefix
	}
	if cfg.PublicTTL <= 0 {
		cfg.PublicTTL = DefaultPublicTTL
	}
	if cfg.PrivateTTL <= 0 {
		cfg.PrivateTTL = DefaultPrivateTTL
	}
	cats := make(map[string]struct{}, len(cfg.CDNCategories))
	for _, c := range cfg.CDNCategories {
		if c = strings.Trim(c, "/ "); c != "" {
			cats[c] = struct{}{}
		}
	}
	return &Signer{
		backend:       backend,
		cfg:           cfg,
		cdn:           cdn,
		cdnCategories: cats,
		now:           time.Now,
	}
}

// URLFor issues a capability for a normalized key. A zero ttl selects the
// default for the chosen path; ttl is ignored for non-expiring URLs.
func (s *Signer) URLFor(ctx context.Context, key string, v Visibility, ttl time.Duration) (*Capability, error) {
	if ttl < 0 {
		return nil, fmt.Errorf("negative ttl %s", ttl)
	}

	c, err := s.issue(ctx, key, v, ttl)
	if err != nil {
		return nil, err
	}
	metrics.RecordCapabilityIssued(string(c.Kind))
	logging.Debug("capability issued",
		zap.String("key", key),
		zap.String("visibility", v.String()),
		zap.String("kind", string(c.Kind)))
	return c, nil
}

func (s *Signer) issue(ctx context.Context, key string, v Visibility, ttl time.Duration) (*Capability, error) {
	store, ok := s.backend.(ObjectStore)
	if !ok {
		// The path itself is the capability; the routing layer authorizes it.
		return &Capability{Key: key, URL: JoinURL(s.cfg.LocalPrefix, key), Kind: CapabilityLocal}, nil
	}

	if v == Public {
		switch {
		case store.HasPublicBucket():
			u := store.EndpointURL(key, Public)
			if s.cfg.PublicBaseURL != "" {
				u = JoinURL(s.cfg.PublicBaseURL, key)
			}
			return &Capability{Key: key, URL: u, Kind: CapabilityPublic}, nil
		case store.PublicACL():
			return &Capability{Key: key, URL: store.EndpointURL(key, Public), Kind: CapabilityPublicACL}, nil
		default:
			return s.presign(ctx, store, key, ttl, s.cfg.PublicTTL)
		}
	}

	if s.cdn != nil && s.cfg.CDNDomain != "" {
		if _, fronted := s.cdnCategories[Namespace(key)]; fronted {
			if ttl == 0 {
				ttl = s.cfg.PrivateTTL
			}
			expires := s.now().Add(ttl)
			u, err := s.cdn.Sign(JoinURL(s.cfg.CDNDomain, key), expires)
			if err != nil {
				return nil, fmt.Errorf("cdn sign %s: %w", key, err)
			}
			return &Capability{Key: key, URL: u, ExpiresAt: &expires, Kind: CapabilityCDNSigned}, nil
		}
	}
	return s.presign(ctx, store, key, ttl, s.cfg.PrivateTTL)
}

func (s *Signer) presign(ctx context.Context, store ObjectStore, key string, ttl, def time.Duration) (*Capability, error) {
	if ttl == 0 {
		ttl = def
	}
	expires := s.now().Add(ttl)
	u, err := store.PresignGet(ctx, key, ttl)
	if err != nil {
		return nil, NewBackendError(store.Type(), "presign", key, err)
	}
	return &Capability{Key: key, URL: u, ExpiresAt: &expires, Kind: CapabilityPresigned}, nil
}

// JoinURL appends an escaped key to a base URL or path.
func JoinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + EscapeKey(key)
}

// EscapeKey percent-escapes each segment of key.
func EscapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
