package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payplan/internal/compensation/events"
	"payplan/internal/compensation/models"
	id "payplan/pkg/domain"
)

func TestEncodeKeysByUser(t *testing.T) {
	uid := id.NewUserID()
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	rec, err := events.Encode(models.Event{
		Type:       models.EventUserRemoved,
		UserID:     uid,
		OccurredAt: at,
		Data:       &models.RemovalReport{RemovedUserID: uid, Invalidated: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, uid.String(), string(rec.Key))
	assert.Equal(t, at, rec.Timestamp)
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, events.HeaderEventType, rec.Headers[0].Key)
	assert.Equal(t, "user.removed", string(rec.Headers[0].Value))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &body))
	assert.Equal(t, "user.removed", body["type"])
	assert.Equal(t, uid.String(), body["user_id"])
	data, ok := body["data"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, data["invalidated"])
}

func TestNewKafkaRequiresBrokers(t *testing.T) {
	_, err := events.NewKafka(events.Config{}, nil)
	assert.Error(t, err)
}
