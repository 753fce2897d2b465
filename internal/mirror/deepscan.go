package mirror

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

var urlPattern = regexp.MustCompile("https?://[^\\s\"'<>()\\[\\]{}\\\\^`|]+")

var entityArtifacts = []string{"&quot;", "&#34;", "&#39;", "&#x27;", "&apos;", "&gt;", "&lt;", "&amp;", "&nbsp;"}

const trailingPunct = ".,;:!?*~"

// sanitizeURL strips trailing punctuation and HTML entity fragments picked up by
// the URL pattern. It returns "" when nothing URL-shaped remains.
func sanitizeURL(candidate string) string {
	s := candidate
	for {
		before := s
		for _, e := range entityArtifacts {
			s = strings.TrimSuffix(s, e)
		}
		s = strings.TrimRight(s, trailingPunct)
		if s == before {
			break
		}
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return ""
	}
	return s
}

type urlSpan struct {
	start, end int
	url        string
}

func findURLs(s string) []urlSpan {
	matches := urlPattern.FindAllStringIndex(s, -1)
	spans := make([]urlSpan, 0, len(matches))
	for _, m := range matches {
		clean := sanitizeURL(s[m[0]:m[1]])
		if clean == "" {
			continue
		}
		spans = append(spans, urlSpan{start: m[0], end: m[0] + len(clean), url: clean})
	}
	return spans
}

// ExtractURLs returns the distinct sanitized http(s) URLs in s in order of first
// appearance.
func ExtractURLs(s string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, sp := range findURLs(s) {
		if _, ok := seen[sp.url]; ok {
			continue
		}
		seen[sp.url] = struct{}{}
		out = append(out, sp.url)
	}
	return out
}

// rewriteText mirrors every URL in s once and substitutes the result at each
// position the URL was matched. Unchanged URLs leave their text untouched.
func (s *Session) rewriteText(ctx context.Context, text string, kind catalog.AssetKind) string {
	spans := findURLs(text)
	if len(spans) == 0 {
		return text
	}
	results := make(map[string]string, len(spans))
	for _, sp := range spans {
		if _, ok := results[sp.url]; ok {
			continue
		}
		results[sp.url] = s.Mirror(ctx, sp.url, kind).URL
	}
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(text[last:sp.start])
		b.WriteString(results[sp.url])
		last = sp.end
	}
	b.WriteString(text[last:])
	return b.String()
}

// DeepScan rewrites every URL in every string of root. Fields ending in _original
// and avatar fields of profile-like objects are skipped.
func (s *Session) DeepScan(ctx context.Context, root map[string]any) error {
	skip := func(key string, owner map[string]any) bool {
		return strings.HasSuffix(key, originalSuffix) || isProfileAvatar(key, owner)
	}
	return RewriteStrings(ctx, root, skip, func(ctx context.Context, _ string, _ map[string]any, value string) string {
		return s.rewriteText(ctx, value, catalog.AssetDeepScan)
	})
}
