package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-sync/internal/catalog"
)

func TestPublisherDecodesDetailNotification(t *testing.T) {
	t.Parallel()

	fetched := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := New()
	id, err := p.Publish(context.Background(), "details", map[string]any{
		"slug":      "two-sum",
		"problemId": "1",
		"assets": []catalog.AssetRecord{{
			Kind:      catalog.AssetDescriptionImage,
			SourceURL: "https://cdn.example/a.png",
			MirrorURL: "https://mirror.example/a.png",
			Status:    catalog.AssetUploaded,
		}},
		"fetchedAt": fetched,
	})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "details", msgs[0].Topic)
	require.Equal(t, map[string]string{"slug": "two-sum"}, msgs[0].Attributes)
	require.Equal(t, "1", msgs[0].Detail.ProblemID)
	require.True(t, fetched.Equal(msgs[0].Detail.FetchedAt))
	require.Len(t, msgs[0].Detail.Assets, 1)
	require.Equal(t, catalog.AssetUploaded, msgs[0].Detail.Assets[0].Status)
	require.Equal(t, "https://mirror.example/a.png", msgs[0].Detail.Assets[0].MirrorURL)
	require.Equal(t, []string{"two-sum"}, p.Slugs())

	msgs[0].Topic = "mutated"
	require.Equal(t, "details", p.Messages()[0].Topic)
}

func TestPublisherRejectsBadInput(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "", map[string]any{"slug": "a"})
	require.ErrorContains(t, err, "topic is required")

	_, err = p.Publish(context.Background(), "details", map[string]any{"bad": make(chan int)})
	require.ErrorContains(t, err, "encode notification")

	_, err = p.Publish(context.Background(), "details", []string{"not", "an", "object"})
	require.ErrorContains(t, err, "decode notification")
	require.Empty(t, p.Messages())
}
