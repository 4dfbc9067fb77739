// Package cdn signs URLs for a CloudFront distribution that fronts the
// private bucket.
package cdn

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/cloudfront/sign"

	"github.com/fruitsalade/mediastore/internal/storage"
)

// Signer issues canned-policy signed URLs.
type Signer struct {
	keyPairID string
	signer    *sign.URLSigner
}

var _ storage.CDNSigner = (*Signer)(nil)

// New creates a Signer from a key-pair id and a PEM encoded RSA private key.
func New(keyPairID string, privateKeyPEM []byte) (*Signer, error) {
	if keyPairID == "" {
		return nil, fmt.Errorf("%w: cdn key pair id is required", storage.ErrConfiguration)
	}
	key, err := sign.LoadPEMPrivKey(bytes.NewReader(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("%w: load cdn private key: %v", storage.ErrConfiguration, err)
	}
	return &Signer{
		keyPairID: keyPairID,
		signer:    sign.NewURLSigner(keyPairID, key),
	}, nil
}

// NewFromFile reads the private key from path.
func NewFromFile(keyPairID, path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read cdn private key %s: %v", storage.ErrConfiguration, path, err)
	}
	return New(keyPairID, data)
}

// KeyPairID returns the CloudFront key-pair id used for signing.
func (s *Signer) KeyPairID() string { return s.keyPairID }

// Sign returns rawURL signed to expire at expires.
func (s *Signer) Sign(rawURL string, expires time.Time) (string, error) {
	u, err := s.signer.Sign(rawURL, expires)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", rawURL, err)
	}
	return u, nil
}
