package mirror

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

func countStatus(assets []catalog.AssetRecord, kind catalog.AssetKind, status catalog.AssetStatus) int {
	n := 0
	for _, a := range assets {
		if a.Kind == kind && a.Status == status {
			n++
		}
	}
	return n
}

func TestProcessDescriptionImage(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	meta := &catalog.DetailMeta{}
	raw := map[string]any{
		"slug":        "two-sum",
		"description": `<p>See <img src="https://cdn.example/a.png"> below</p>`,
	}

	kind, err := m.NewSession("two-sum", meta, nil).Process(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, catalog.ProblemStandard, kind)

	desc := raw["description"].(string)
	require.NotContains(t, desc, "https://cdn.example/a.png")
	require.Contains(t, desc, mirrorBase+"/assets/problems/two-sum/id1.png")
	require.Equal(t, `<p>See <img src="https://cdn.example/a.png"> below</p>`, raw["description_original"])
	require.Len(t, meta.Assets, 1)
	require.Equal(t, 1, countStatus(meta.Assets, catalog.AssetDescriptionImage, catalog.AssetUploaded))
}

func TestProcessDescriptionEscapedSource(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	raw := map[string]any{
		"description": `<img src="https://cdn.example/a.png?w=1&amp;h=2">`,
	}
	_, err := m.NewSession("x", &catalog.DetailMeta{}, nil).Process(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, 1, store.downloads["https://cdn.example/a.png?w=1&h=2"])
	require.NotContains(t, raw["description"], "cdn.example")
}

func TestProcessDescriptionKeepsLongerURLsIntact(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	meta := &catalog.DetailMeta{}
	raw := map[string]any{
		"description": `<img src="https://cdn.example/a.png"><a href="https://cdn.example/a.png.zip">zip</a>`,
	}

	_, err := m.NewSession("x", meta, nil).Process(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, 1, store.downloads["https://cdn.example/a.png"])
	require.Equal(t, 1, store.downloads["https://cdn.example/a.png.zip"])

	desc := raw["description"].(string)
	require.Equal(t,
		`<img src="`+mirrorBase+`/assets/problems/x/id1.png"><a href="`+mirrorBase+`/assets/problems/x/id2.zip">zip</a>`,
		desc)
	require.NotContains(t, desc, "id1.png.zip")
	require.Equal(t, 1, countStatus(meta.Assets, catalog.AssetDescriptionImage, catalog.AssetUploaded))
	require.Equal(t, 1, countStatus(meta.Assets, catalog.AssetDeepScan, catalog.AssetUploaded))
}

func TestReplaceURL(t *testing.T) {
	t.Parallel()

	const old, repl = "https://cdn.example/a.png", "https://m.example/1.png"
	tests := []struct {
		name string
		text string
		want string
	}{
		{"quoted", `src="` + old + `"`, `src="` + repl + `"`},
		{"whole string", old, repl},
		{"prefix of longer url", `href="` + old + `.zip"`, `href="` + old + `.zip"`},
		{"query continues url", old + "?w=2 " + old, old + "?w=2 " + repl},
		{"embedded after path", "https://proxy.example/" + old, "https://proxy.example/" + old},
		{"no match", "plain text", "plain text"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, replaceURL(tt.text, old, repl))
		})
	}
}

func TestProcessDeduplicatesAcrossFields(t *testing.T) {
	t.Parallel()

	const src = "https://cdn.example/shared.png"
	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	meta := &catalog.DetailMeta{}
	raw := map[string]any{
		"description": `<img src="` + src + `">`,
		"attachments": []any{src, map[string]any{"url": src, "key": "old/key.png"}},
		"hint":        "look at " + src + ".",
		"nested":      map[string]any{"list": []any{"x " + src}},
		"thumb_url":   src,
	}

	_, err := m.NewSession("two-sum", meta, nil).Process(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, 1, store.downloads[src])
	require.Len(t, meta.Assets, 1)

	mirrored := meta.Assets[0].MirrorURL
	require.Equal(t, "look at "+mirrored+".", raw["hint"])
	require.Equal(t, "x "+mirrored, raw["nested"].(map[string]any)["list"].([]any)[0])
	require.Equal(t, mirrored, raw["thumb_url"])

	attachments := raw["attachments"].([]any)
	require.Equal(t, mirrored, attachments[0])
	loc := attachments[1].(map[string]any)
	require.Equal(t, mirrored, loc["url"])
	require.Equal(t, src, loc["url_original"])
	require.Equal(t, "old/key.png", loc["key_original"])
	require.Equal(t, meta.Assets[0].Key, loc["key"])
	require.Equal(t, src, raw["attachments_original"].([]any)[0])
}

func TestProcessFailedAssetLeavesTextUntouched(t *testing.T) {
	t.Parallel()

	const bad = "https://cdn.example/bad.png"
	store := newFakeStorage()
	store.failDL[bad] = errors.New("connection reset")
	m, _ := newTestMirror(t, store)
	meta := &catalog.DetailMeta{}
	raw := map[string]any{
		"description": `<img src="` + bad + `">`,
		"notes":       "see " + bad + " and " + bad + "?v=2",
	}

	_, err := m.NewSession("x", meta, nil).Process(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, `<img src="`+bad+`">`, raw["description"])
	require.NotContains(t, raw, "description_original")
	require.True(t, strings.HasPrefix(raw["notes"].(string), "see "+bad+" and "))
	require.Equal(t, 1, countStatus(meta.Assets, catalog.AssetDescriptionImage, catalog.AssetFailed))
}

func TestProcessProjectAssets(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	meta := &catalog.DetailMeta{}
	raw := map[string]any{
		"type": "fullstack_project",
		"project": map[string]any{
			"starter":     map[string]any{"url": "https://cdn.example/starter.zip", "key": "src/starter.zip"},
			"preview_url": "https://cdn.example/preview.gif",
			"files":       []any{"https://cdn.example/f1.txt"},
		},
	}

	kind, err := m.NewSession("todo-app", meta, nil).Process(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, catalog.ProblemProject, kind)
	require.Equal(t, 3, countStatus(meta.Assets, catalog.AssetProjectAsset, catalog.AssetUploaded))

	project := raw["project"].(map[string]any)
	require.Equal(t, "https://cdn.example/preview.gif", project["preview_url_original"])
	require.True(t, strings.HasPrefix(project["preview_url"].(string), mirrorBase))
	starter := project["starter"].(map[string]any)
	require.Equal(t, "src/starter.zip", starter["key_original"])
	require.True(t, strings.HasSuffix(starter["key"].(string), ".zip"))
}

func TestProcessInteractiveUI(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	meta := &catalog.DetailMeta{}
	raw := map[string]any{
		"type":            "interactive_ui",
		"sample_solution": "https://cdn.example/solution.html",
		"ui":              map[string]any{"stub": map[string]any{"url": "https://cdn.example/stub.html"}},
	}

	kind, err := m.NewSession("button", meta, nil).Process(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, catalog.ProblemInteractiveUI, kind)
	require.Equal(t, 1, countStatus(meta.Assets, catalog.AssetUISampleSolution, catalog.AssetUploaded))
	require.Equal(t, 1, countStatus(meta.Assets, catalog.AssetUIStub, catalog.AssetUploaded))
	require.Equal(t, "https://cdn.example/solution.html", raw["sample_solution_original"])
}

func TestProcessPrivateAttachments(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	meta := &catalog.DetailMeta{}
	raw := map[string]any{"private_attachments": []any{"https://cdn.example/secret.pdf"}}

	_, err := m.NewSession("x", meta, nil).Process(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, 1, countStatus(meta.Assets, catalog.AssetPrivateAttachment, catalog.AssetUploaded))
	require.Equal(t, []any{"https://cdn.example/secret.pdf"}, raw["private_attachments_original"])
}

func TestDeepScanSkipsAvatarsAndOriginals(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	raw := map[string]any{
		"author": map[string]any{
			"username":   "ada",
			"avatar_url": "https://cdn.example/ada.png",
		},
		"logo": map[string]any{"avatar_url": "https://cdn.example/logo.png"},
	}
	raw["hint_original"] = "https://cdn.example/old.png"

	require.NoError(t, m.NewSession("x", &catalog.DetailMeta{}, nil).DeepScan(context.Background(), raw))
	require.Equal(t, "https://cdn.example/ada.png", raw["author"].(map[string]any)["avatar_url"])
	require.NotContains(t, store.downloads, "https://cdn.example/ada.png")
	require.NotContains(t, store.downloads, "https://cdn.example/old.png")
	require.Equal(t, 1, store.downloads["https://cdn.example/logo.png"])
}

func TestDeepScanHandlesCycles(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	raw := map[string]any{"text": "https://cdn.example/a.png"}
	child := map[string]any{"parent": raw}
	raw["child"] = child
	list := []any{"https://cdn.example/b.png"}
	raw["list"] = list
	child["same_list"] = list

	require.NoError(t, m.NewSession("x", &catalog.DetailMeta{}, nil).DeepScan(context.Background(), raw))
	require.Equal(t, 1, store.downloads["https://cdn.example/a.png"])
	require.Equal(t, 1, store.downloads["https://cdn.example/b.png"])
}

func TestDeepScanCanceled(t *testing.T) {
	t.Parallel()

	store := newFakeStorage()
	m, _ := newTestMirror(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.NewSession("x", &catalog.DetailMeta{}, nil).DeepScan(ctx, map[string]any{"a": "https://cdn.example/a.png"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestExtractURLs(t *testing.T) {
	t.Parallel()

	text := `Go to https://a.example/x.png, then "https://b.example/y?z=1&amp;" or (https://a.example/x.png).` +
		` Also https://c.example/p&quot; and http:// nothing`
	require.Equal(t, []string{
		"https://a.example/x.png",
		"https://b.example/y?z=1",
		"https://c.example/p",
	}, ExtractURLs(text))
}
