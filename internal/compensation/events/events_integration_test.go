//go:build integration

package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"payplan/internal/compensation/events"
	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
	"payplan/pkg/testutil/containers"
)

func TestKafkaPublisherDeliversEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	broker := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pub, err := events.NewKafka(events.Config{Brokers: []string{broker.SeedBroker}, Topic: "compensation-events-test"}, nil)
	require.NoError(t, err)
	defer pub.Close()
	require.NoError(t, pub.EnsureTopic(ctx, 1, 1))
	require.NoError(t, pub.EnsureTopic(ctx, 1, 1), "second ensure is a no-op")

	uid := id.NewUserID()
	require.NoError(t, pub.Publish(ctx, models.Event{Type: models.EventPayoutsDistributed, UserID: uid, OccurredAt: time.Now()}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker.SeedBroker),
		kgo.ConsumeTopics("compensation-events-test"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	fetches := consumer.PollFetches(ctx)
	require.NoError(t, fetches.Err())
	records := fetches.Records()
	require.NotEmpty(t, records)
	require.Equal(t, uid.String(), string(records[0].Key))
}
