package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTelemetry(now *time.Time) *Telemetry {
	t0 := *now
	return &Telemetry{
		cpuSampler: func() ([]float64, error) { return []float64{0.1, 0.2}, nil },
		memSampler: func() (float64, error) { return 55.5, nil },
		mvTimer:    t0,
		now:        func() time.Time { return *now },
	}
}

func TestSamplePopulatesReply(t *testing.T) {
	now := time.Now()
	tel := newTestTelemetry(&now)

	tel.RecordSent()
	tel.RecordSent()
	now = now.Add(time.Second)

	reply, err := tel.Sample(4)
	require.NoError(t, err)
	require.Equal(t, []float64{0.1, 0.2}, reply.CPULoad)
	require.Equal(t, 55.5, reply.MemoryUsage)
	require.Equal(t, 4, reply.ActiveConnections)
	require.Equal(t, int64(2), reply.MessageVolume)
	require.InDelta(t, 1.0, reply.MVPeriod, 0.05)
	// instant_rate = 2, alpha = 2/4 = 0.5, ema = 0.5*2 + 0.5*0 = 1 -> round = 1
	require.Equal(t, int64(1), reply.MVAdjusted)
}

func TestSampleFloorsShortPeriods(t *testing.T) {
	now := time.Now()
	tel := newTestTelemetry(&now)

	tel.RecordSent()
	now = now.Add(10 * time.Millisecond) // below the 0.25s floor

	reply, err := tel.Sample(1)
	require.NoError(t, err)
	require.InDelta(t, 0.25, reply.MVPeriod, 1e-9)
}

func TestResetClearsCounters(t *testing.T) {
	now := time.Now()
	tel := newTestTelemetry(&now)
	tel.RecordSent()
	now = now.Add(time.Second)
	_, err := tel.Sample(1)
	require.NoError(t, err)

	tel.Reset()
	tel.mu.Lock()
	mv := tel.messageVolume
	ema := tel.ema
	tel.mu.Unlock()
	require.Equal(t, int64(0), mv)
	require.Equal(t, 0.0, ema)
}

func TestEMAConverges(t *testing.T) {
	now := time.Now()
	tel := newTestTelemetry(&now)

	var lastMVAdjusted int64
	for i := 0; i < 50; i++ {
		tel.RecordSent()
		tel.RecordSent()
		now = now.Add(time.Second)
		reply, err := tel.Sample(1)
		require.NoError(t, err)
		lastMVAdjusted = reply.MVAdjusted
	}
	require.Equal(t, int64(2), lastMVAdjusted)
}
