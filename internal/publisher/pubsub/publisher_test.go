package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestPublishSetsSessionAttribute(t *testing.T) {
	t.Parallel()

	var got *pubsub.Message
	pub := &Publisher{publish: func(_ context.Context, msg *pubsub.Message) (string, error) {
		got = msg
		return "msg-1", nil
	}}

	rec := crawler.Record{ID: "r1", SessionID: "sess-1", Name: "Apples"}
	id, err := pub.Publish(context.Background(), "sess-1", rec)
	require.NoError(t, err)
	require.Equal(t, "msg-1", id)
	require.Equal(t, "sess-1", got.Attributes[keyAttribute])

	var decoded crawler.Record
	require.NoError(t, json.Unmarshal(got.Data, &decoded))
	require.Equal(t, rec, decoded)
}

func TestPublishWrapsErrors(t *testing.T) {
	t.Parallel()

	pub := &Publisher{publish: func(context.Context, *pubsub.Message) (string, error) {
		return "", errors.New("quota exceeded")
	}}
	_, err := pub.Publish(context.Background(), "sess-1", crawler.Record{})
	require.ErrorContains(t, err, "quota exceeded")

	_, err = (&Publisher{}).Publish(context.Background(), "k", "v")
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "k", make(chan int))
	require.ErrorContains(t, err, "marshal payload")
}

func TestNewRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{ProjectID: "p"})
	require.Error(t, err)
}

func TestCloseRunsHook(t *testing.T) {
	t.Parallel()

	closed := false
	pub := &Publisher{close: func() error { closed = true; return nil }}
	require.NoError(t, pub.Close())
	require.True(t, closed)
	require.NoError(t, (&Publisher{}).Close())
}
