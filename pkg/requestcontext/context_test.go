package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	id "payplan/pkg/domain"
)

func TestNowFallsBackToWallClock(t *testing.T) {
	before := time.Now()
	got := Now(context.Background())
	assert.False(t, got.Before(before))
}

func TestWithTimePinsNow(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := WithTime(context.Background(), fixed)
	assert.Equal(t, fixed, Now(ctx))
}

func TestRequestAndInitiatorIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.True(t, InitiatorID(ctx).IsNil())

	initiator := id.NewUserID()
	ctx = WithRequestID(WithInitiatorID(ctx, initiator), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, initiator, InitiatorID(ctx))
}
