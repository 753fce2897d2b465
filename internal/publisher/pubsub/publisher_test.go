package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublishDeliversJSON(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "details")
	require.NoError(t, err)

	pub := New(client)
	t.Cleanup(pub.Close)
	id, err := pub.Publish(ctx, "details", map[string]any{"slug": "two-sum", "assets": 2})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"slug":"two-sum","assets":2}`, string(msgs[0].Data))
	require.Equal(t, "two-sum", msgs[0].Attributes["slug"])
}

func TestPublishValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "details", map[string]any{})
	require.Error(t, err)
}
