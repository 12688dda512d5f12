package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/artai8/la/internal/testutil"
)

type fixedCounter int

func (c fixedCounter) RunningCount() int { return int(c) }

func TestMonitorPublishesSamples(t *testing.T) {
	nc := testutil.Connect(t)

	samples := make(chan Sample, 8)
	sub, err := nc.Subscribe(SubjectMetrics, func(msg *nats.Msg) {
		var s Sample
		if json.Unmarshal(msg.Data, &s) == nil {
			select {
			case samples <- s:
			default:
			}
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	m := New(zap.NewNop(), nc, fixedCounter(2), 20*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	select {
	case s := <-samples:
		assert.Equal(t, 2, s.RunningTasks)
		assert.NotZero(t, s.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("no metrics sample published")
	}

	testutil.Eventually(t, 5*time.Second, func() bool {
		return m.Current().RunningTasks == 2
	})
}
