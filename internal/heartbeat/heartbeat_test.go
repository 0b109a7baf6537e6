package heartbeat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobot-ai/sandbox-gateway/internal/heartbeat"
	"github.com/cobot-ai/sandbox-gateway/internal/store"
)

func TestIsLive_NoRecord(t *testing.T) {
	tr := heartbeat.New(store.NewMock())
	live, err := tr.IsLive(context.Background(), "ghost", heartbeat.DefaultThreshold)
	require.NoError(t, err)
	assert.False(t, live, "tenant with no heartbeat is not live")
}

func TestIsLive_Boundaries(t *testing.T) {
	now := time.Now().UTC()
	clock := func() time.Time { return now }
	threshold := 5 * time.Minute

	cases := []struct {
		name string
		age  time.Duration
		live bool
	}{
		{"fresh", 30 * time.Second, true},
		{"just under threshold", threshold - time.Second, true},
		{"exactly threshold", threshold, false},
		{"well past threshold", time.Hour, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := store.NewMock()
			tr := heartbeat.NewWithClock(m, clock)
			require.NoError(t, m.RecordHeartbeat(context.Background(), "t", now.Add(-tc.age)))

			live, err := tr.IsLive(context.Background(), "t", threshold)
			require.NoError(t, err)
			assert.Equal(t, tc.live, live)
		})
	}
}

func TestRecord_Overwrites(t *testing.T) {
	m := store.NewMock()
	now := time.Now().UTC()
	tr := heartbeat.NewWithClock(m, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, m.RecordHeartbeat(ctx, "t", now.Add(-time.Hour)))
	require.NoError(t, tr.Record(ctx, "t"))

	at, err := m.GetHeartbeat(ctx, "t")
	require.NoError(t, err)
	assert.True(t, at.Equal(now), "record overwrites the old timestamp")
}

func TestAge(t *testing.T) {
	m := store.NewMock()
	now := time.Now().UTC()
	tr := heartbeat.NewWithClock(m, func() time.Time { return now })
	ctx := context.Background()

	_, found, err := tr.Age(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.RecordHeartbeat(ctx, "t", now.Add(-90*time.Second)))
	age, found, err := tr.Age(ctx, "t")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 90*time.Second, age)
}
