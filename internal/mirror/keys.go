package mirror

import (
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/JakeFAU/catalog-sync/internal/id/uuid"
)

var (
	unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
	validExt      = regexp.MustCompile(`^\.[a-zA-Z0-9]{1,10}$`)
)

// Keys derives object keys for mirrored assets and recognises URLs that already
// point at the mirror.
type Keys struct {
	prefix     string
	mirrorBase string
	newID      func() string
}

// NewKeys builds Keys for the given key prefix and mirror base URL.
func NewKeys(prefix, mirrorBase string) Keys {
	return Keys{
		prefix:     strings.Trim(prefix, "/"),
		mirrorBase: strings.TrimSpace(mirrorBase),
		newID:      uuid.NewKeySuffix,
	}
}

// Derive returns {prefix}/{entity}/{slug}/{random}{ext} for sourceURL. The random
// suffix makes every call unique; the extension is kept when the URL path has one.
// It returns an empty key when sourceURL cannot be parsed into an absolute URL.
func (k Keys) Derive(sourceURL, slug, entity string) string {
	u, err := url.Parse(NormalizeURL(sourceURL))
	if err != nil || u.Host == "" {
		return ""
	}
	name := k.newID()
	if ext := path.Ext(u.Path); validExt.MatchString(ext) {
		name += strings.ToLower(ext)
	}
	parts := make([]string, 0, 4)
	for _, p := range []string{k.prefix, sanitizeSegment(entity), sanitizeSegment(slug)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(append(parts, name), "/")
}

// AlreadyMirrored reports whether rawURL already lives under the mirror base.
func (k Keys) AlreadyMirrored(rawURL string) bool {
	if k.mirrorBase == "" || rawURL == "" {
		return false
	}
	return strings.HasPrefix(NormalizeURL(rawURL), NormalizeURL(k.mirrorBase))
}

func sanitizeSegment(s string) string {
	return strings.Trim(unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "-"), "-.")
}

// NormalizeURL parses and reserializes rawURL. Input that does not parse is
// percent-encoded and parsed once more; if that fails too the input is returned
// unchanged.
func NormalizeURL(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if u, err := url.Parse(trimmed); err == nil {
		return u.String()
	}
	if u, err := url.Parse(escapeUnsafe(trimmed)); err == nil {
		return u.String()
	}
	return rawURL
}

const upperHex = "0123456789ABCDEF"

// escapeUnsafe percent-encodes every byte that may not appear literally in a URL,
// including stray '%' signs that do not start an escape.
func escapeUnsafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(c)
		case c != '%' && isURLByte(c):
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&15])
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func isURLByte(c byte) bool {
	if 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z' || '0' <= c && c <= '9' {
		return true
	}
	return strings.IndexByte("-._~:/?#[]@!$&'()*+,;=", c) >= 0
}
