package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Asset locator defaults for the public asset host.
const (
	AssetScheme      = "resdb:///"
	DefaultAssetBase = "https://assets.resonite.com"
)

// DefaultAssetExtensions lists the lossy image suffixes stripped from locators.
var DefaultAssetExtensions = []string{".webp"}

// ErrMalformedAssetURI is returned for locators the normalizer cannot map.
var ErrMalformedAssetURI = errors.New("malformed asset uri")

// AssetNormalizer rewrites resdb:///<hash>.<ext> locators to <base>/<hash>.
type AssetNormalizer struct {
	base       string
	extensions []string
}

// NewAssetNormalizer validates base and returns a normalizer. With no
// extensions the defaults apply.
func NewAssetNormalizer(base string, extensions ...string) (*AssetNormalizer, error) {
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("asset base %q must be an absolute http(s) url", base)
	}
	if len(extensions) == 0 {
		extensions = DefaultAssetExtensions
	}
	return &AssetNormalizer{
		base:       strings.TrimRight(base, "/"),
		extensions: append([]string(nil), extensions...),
	}, nil
}

// Normalize maps raw to a public URL. Input already under the asset base is
// returned unchanged.
func (n *AssetNormalizer) Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, n.base+"/") {
		return raw, nil
	}
	rest, ok := strings.CutPrefix(raw, AssetScheme)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrMalformedAssetURI, raw)
	}
	for _, ext := range n.extensions {
		if trimmed, found := strings.CutSuffix(rest, ext); found {
			rest = trimmed
			break
		}
	}
	if rest == "" || strings.ContainsAny(rest, " \t\r\n/?#") {
		return "", fmt.Errorf("%w: %q", ErrMalformedAssetURI, raw)
	}
	return n.base + "/" + rest, nil
}
