package pubsub_test

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	publisher "github.com/JakeFAU/marmelspade/internal/publisher/pubsub"
)

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return srv, client
}

func TestPublisherPublishesJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv, client := newFakeClient(t)
	_, err := client.CreateTopic(ctx, "harvest-complete")
	require.NoError(t, err)

	pub, err := publisher.New(client, map[string]string{"source": "marmelspade"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(ctx, "harvest-complete", map[string]any{"run_id": "r-1", "documents": 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"run_id":"r-1","documents":3}`, string(msgs[0].Data))
	require.Equal(t, "marmelspade", msgs[0].Attributes["source"])
}

func TestPublisherMissingTopic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, client := newFakeClient(t)
	pub, err := publisher.New(client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.Publish(ctx, "absent", map[string]string{"k": "v"})
	require.Error(t, err)
	_, err = pub.Publish(ctx, "", "x")
	require.Error(t, err)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	_, client := newFakeClient(t)
	pub, err := publisher.New(client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	_, err = pub.Publish(context.Background(), "topic", func() {})
	require.ErrorContains(t, err, "marshal payload")
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := publisher.New(nil, nil)
	require.Error(t, err)
	_, err = publisher.Dial(context.Background(), "", nil)
	require.Error(t, err)
}
