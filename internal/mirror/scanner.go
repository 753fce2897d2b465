package mirror

import (
	"context"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

type assetPass func(ctx context.Context, s *Session, raw map[string]any)

func syncProjectAssets(ctx context.Context, s *Session, raw map[string]any) {
	for _, key := range []string{"project", "project_assets"} {
		if node, ok := raw[key]; ok {
			s.syncAssetNode(ctx, node, catalog.AssetProjectAsset, 0)
		}
	}
}

func syncUIAssets(ctx context.Context, s *Session, raw map[string]any) {
	targets := []map[string]any{raw}
	if ui, ok := raw["ui"].(map[string]any); ok {
		targets = append(targets, ui)
	}
	fields := []struct {
		key  string
		kind catalog.AssetKind
	}{
		{"sample_solution", catalog.AssetUISampleSolution},
		{"sample_solution_url", catalog.AssetUISampleSolution},
		{"stub", catalog.AssetUIStub},
		{"stub_url", catalog.AssetUIStub},
	}
	for _, owner := range targets {
		for _, f := range fields {
			switch v := owner[f.key].(type) {
			case string:
				s.syncURLField(ctx, owner, f.key, f.kind)
			case map[string]any, []any:
				s.syncAssetNode(ctx, v, f.kind, 0)
			}
		}
	}
}

func syncDescriptionImages(ctx context.Context, s *Session, raw map[string]any) {
	s.syncDescription(ctx, raw, "description")
}

func syncAttachments(ctx context.Context, s *Session, raw map[string]any) {
	s.syncList(ctx, raw, "attachments", catalog.AssetAttachment)
}

func syncPrivateAttachments(ctx context.Context, s *Session, raw map[string]any) {
	s.syncList(ctx, raw, "private_attachments", catalog.AssetPrivateAttachment)
}

// targetedPasses lists the field-specific passes run for each problem type, in
// order. Private attachments and the deep scan run for every type afterwards.
var targetedPasses = map[catalog.ProblemType][]assetPass{
	catalog.ProblemProject:       {syncProjectAssets, syncDescriptionImages, syncAttachments},
	catalog.ProblemInteractiveUI: {syncUIAssets, syncDescriptionImages, syncAttachments},
	catalog.ProblemStandard:      {syncDescriptionImages, syncAttachments},
}

// Process runs the targeted passes for raw's problem type, then private attachments,
// then the deep scan. raw is rewritten in place. Only context cancellation is
// returned as an error; asset failures are reported through Failures.
func (s *Session) Process(ctx context.Context, raw map[string]any) (catalog.ProblemType, error) {
	kind := catalog.ClassifyProblem(raw)
	if !s.m.Enabled() || raw == nil {
		return kind, nil
	}
	for _, pass := range targetedPasses[kind] {
		pass(ctx, s, raw)
		if err := ctx.Err(); err != nil {
			return kind, err
		}
	}
	syncPrivateAttachments(ctx, s, raw)
	if err := ctx.Err(); err != nil {
		return kind, err
	}
	return kind, s.DeepScan(ctx, raw)
}
