package mirror

import (
	"context"
	"html"
	"maps"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

const (
	originalSuffix = "_original"
	maxAssetDepth  = 8
)

// syncURLField mirrors a flat URL-valued field, keeping the old value under
// key_original when it changes.
func (s *Session) syncURLField(ctx context.Context, owner map[string]any, key string, kind catalog.AssetKind) {
	src, ok := owner[key].(string)
	if !ok {
		return
	}
	res := s.Mirror(ctx, src, kind)
	if res.URL == src {
		return
	}
	preserve(owner, key, src)
	owner[key] = res.URL
}

// syncLocation mirrors a location object {url, key}. On change the previous url
// and key are kept as url_original and key_original.
func (s *Session) syncLocation(ctx context.Context, loc map[string]any, kind catalog.AssetKind) {
	src, ok := loc["url"].(string)
	if !ok {
		return
	}
	res := s.Mirror(ctx, src, kind)
	if res.URL == src {
		return
	}
	preserve(loc, "url", src)
	if oldKey, ok := loc["key"]; ok {
		preserve(loc, "key", oldKey)
	}
	loc["url"] = res.URL
	if res.Record != nil && res.Record.Key != "" {
		loc["key"] = res.Record.Key
	}
}

// syncAssetNode handles the mixed shapes used by project and UI metadata: location
// objects, *_url fields, URL lists and nested containers.
func (s *Session) syncAssetNode(ctx context.Context, node any, kind catalog.AssetKind, depth int) {
	if depth > maxAssetDepth {
		return
	}
	switch v := node.(type) {
	case map[string]any:
		if _, ok := v["url"].(string); ok {
			s.syncLocation(ctx, v, kind)
		}
		for _, k := range slices.Sorted(maps.Keys(v)) {
			if k == "url" || strings.HasSuffix(k, originalSuffix) {
				continue
			}
			switch child := v[k].(type) {
			case string:
				if strings.HasSuffix(k, "_url") {
					s.syncURLField(ctx, v, k, kind)
				}
			case map[string]any, []any:
				s.syncAssetNode(ctx, child, kind, depth+1)
			}
		}
	case []any:
		for i, item := range v {
			if str, ok := item.(string); ok {
				v[i] = s.Mirror(ctx, str, kind).URL
				continue
			}
			s.syncAssetNode(ctx, item, kind, depth+1)
		}
	}
}

// syncList mirrors a list mixing bare URL strings and objects. When a string entry
// changes, a copy of the untouched list is kept under key_original.
func (s *Session) syncList(ctx context.Context, raw map[string]any, key string, kind catalog.AssetKind) {
	items, ok := raw[key].([]any)
	if !ok {
		return
	}
	original := slices.Clone(items)
	changed := false
	for i, item := range items {
		switch v := item.(type) {
		case string:
			res := s.Mirror(ctx, v, kind)
			if res.URL != v {
				items[i] = res.URL
				changed = true
			}
		case map[string]any:
			s.syncAssetNode(ctx, v, kind, 1)
		}
	}
	if changed {
		preserve(raw, key, original)
	}
}

// syncDescription mirrors every <img src> of the HTML description and replaces
// both the literal and the HTML-escaped form of each source in the markup.
// Occurrences that are only the prefix of a longer URL are left alone.
func (s *Session) syncDescription(ctx context.Context, raw map[string]any, key string) {
	markup, ok := raw[key].(string)
	if !ok || !strings.Contains(markup, "<") {
		return
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		s.m.logger.Debug("description not parseable")
		return
	}
	var sources []string
	seen := make(map[string]struct{})
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src := strings.TrimSpace(sel.AttrOr("src", ""))
		if src == "" {
			return
		}
		if _, dup := seen[src]; dup {
			return
		}
		seen[src] = struct{}{}
		sources = append(sources, src)
	})

	updated := markup
	for _, src := range sources {
		res := s.Mirror(ctx, src, catalog.AssetDescriptionImage)
		if res.URL == src {
			continue
		}
		updated = replaceURL(updated, src, res.URL)
		if escaped := html.EscapeString(src); escaped != src {
			updated = replaceURL(updated, escaped, html.EscapeString(res.URL))
		}
	}
	if updated != markup {
		preserve(raw, key, markup)
		raw[key] = updated
	}
}

// replaceURL substitutes newURL for each occurrence of oldURL that stands on its
// own, i.e. is not embedded in a longer run of URL characters.
func replaceURL(text, oldURL, newURL string) string {
	if oldURL == "" {
		return text
	}
	var b strings.Builder
	last := 0
	for i := 0; i <= len(text)-len(oldURL); {
		j := strings.Index(text[i:], oldURL)
		if j < 0 {
			break
		}
		start := i + j
		end := start + len(oldURL)
		if (start == 0 || !isURLBodyByte(text[start-1])) && (end == len(text) || !isURLBodyByte(text[end])) {
			b.WriteString(text[last:start])
			b.WriteString(newURL)
			last = end
			i = end
			continue
		}
		i = start + 1
	}
	if last == 0 {
		return text
	}
	b.WriteString(text[last:])
	return b.String()
}

// isURLBodyByte reports whether c can continue a URL matched by urlPattern.
func isURLBodyByte(c byte) bool {
	return c > ' ' && strings.IndexByte("\"'<>()[]{}\\^`|", c) < 0
}

// preserve stores value under key_original unless an original is already kept.
func preserve(owner map[string]any, key string, value any) {
	k := key + originalSuffix
	if _, exists := owner[k]; !exists {
		owner[k] = value
	}
}
