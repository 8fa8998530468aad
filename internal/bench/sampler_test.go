package bench

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axetune/axetune/internal/device"
)

// scriptedReader returns one canned response per SystemInfo call.
type scriptedReader struct {
	calls int
	fn    func(call int) (*device.SystemInfo, error)
}

func (r *scriptedReader) SystemInfo(context.Context) (*device.SystemInfo, error) {
	call := r.calls
	r.calls++
	return r.fn(call)
}

func testSampleConfig(total int) SampleConfig {
	return SampleConfig{
		Duration:      time.Duration(total) * time.Millisecond,
		Interval:      time.Millisecond,
		MinSamples:    7,
		WarmupDiscard: 6,
		OutlierTrim:   3,
	}
}

func info(hashrate, temp, power float64) *device.SystemInfo {
	return &device.SystemInfo{
		HashRate: &hashrate,
		Temp:     &temp,
		Power:    &power,
	}
}

func newTestSampler(cfg SampleConfig, reader StatusReader) *Sampler {
	return NewSampler(cfg, NewSafetyMonitor(testLimits()), reader, nil, zap.NewNop())
}

func TestCollectTrimsHashrateOutliers(t *testing.T) {
	// 13 samples, hashrates 100..1300; trimming 3 each side leaves
	// 400..1000, whose mean is 700.
	reader := &scriptedReader{fn: func(call int) (*device.SystemInfo, error) {
		return info(float64(call+1)*100, 50, 14), nil
	}}
	s := newTestSampler(testSampleConfig(13), reader)

	result, err := s.Collect(context.Background(), Setting{CoreVoltage: 1150, Frequency: 500})
	require.NoError(t, err)

	assert.Equal(t, StatusStable, result.Status)
	assert.Equal(t, 13, result.SampleCount)
	assert.InDelta(t, 700.0, result.AvgHashrate, 0.001)
	assert.InDelta(t, 14.0, result.AvgPower, 0.001)
	// 14 W at 0.7 TH/s.
	assert.InDelta(t, 20.0, result.Efficiency, 0.001)
}

func TestCollectDiscardsWarmupTemperatures(t *testing.T) {
	// The first six readings are warmup heat; only the remaining seven count
	// toward the temperature average.
	reader := &scriptedReader{fn: func(call int) (*device.SystemInfo, error) {
		temp := 58.0
		if call < 6 {
			temp = 45.0
		}
		in := info(500, temp, 14)
		vr := temp + 2
		in.VRTemp = &vr
		return in, nil
	}}
	s := newTestSampler(testSampleConfig(13), reader)

	result, err := s.Collect(context.Background(), Setting{CoreVoltage: 1150, Frequency: 500})
	require.NoError(t, err)

	assert.Equal(t, StatusStable, result.Status)
	assert.InDelta(t, 58.0, result.AvgTemp, 0.001)
	require.NotNil(t, result.AvgVRTemp)
	assert.InDelta(t, 60.0, *result.AvgVRTemp, 0.001)
}

func TestCollectAbortsOnThermalViolation(t *testing.T) {
	reader := &scriptedReader{fn: func(call int) (*device.SystemInfo, error) {
		if call == 4 {
			return info(500, 63, 14), nil
		}
		return info(500, 55, 14), nil
	}}
	s := newTestSampler(testSampleConfig(13), reader)

	result, err := s.Collect(context.Background(), Setting{CoreVoltage: 1150, Frequency: 500})
	require.NoError(t, err)

	assert.Equal(t, StatusThermalAbort, result.Status)
	assert.NotEmpty(t, result.Reason)
	// An aborted candidate carries no averaged metrics.
	assert.Zero(t, result.AvgHashrate)
	assert.Zero(t, result.SampleCount)
	assert.Equal(t, 5, reader.calls, "sampling must stop at the violation")
}

func TestCollectRejectsStructurallyInvalidTelemetry(t *testing.T) {
	reader := &scriptedReader{fn: func(call int) (*device.SystemInfo, error) {
		if call == 2 {
			temp, power := 55.0, 14.0
			return &device.SystemInfo{Temp: &temp, Power: &power}, nil
		}
		return info(500, 55, 14), nil
	}}
	s := newTestSampler(testSampleConfig(13), reader)

	result, err := s.Collect(context.Background(), Setting{CoreVoltage: 1150, Frequency: 500})
	require.NoError(t, err)

	assert.Equal(t, StatusInvalidData, result.Status)
	assert.Contains(t, result.Reason, "hashrate missing")
}

func TestCollectSkipsFailedSlots(t *testing.T) {
	// Slots 0 and 1 fail; the remaining 11 still clear MinSamples.
	reader := &scriptedReader{fn: func(call int) (*device.SystemInfo, error) {
		if call < 2 {
			return nil, errors.New("connection refused")
		}
		return info(500, 55, 14), nil
	}}
	s := newTestSampler(testSampleConfig(13), reader)

	result, err := s.Collect(context.Background(), Setting{CoreVoltage: 1150, Frequency: 500})
	require.NoError(t, err)

	assert.Equal(t, StatusStable, result.Status)
	assert.Equal(t, 11, result.SampleCount)
}

func TestCollectFailsWindowOnTooFewSamples(t *testing.T) {
	reader := &scriptedReader{fn: func(call int) (*device.SystemInfo, error) {
		if call < 8 {
			return nil, errors.New("timeout")
		}
		return info(500, 55, 14), nil
	}}
	s := newTestSampler(testSampleConfig(13), reader)

	result, err := s.Collect(context.Background(), Setting{CoreVoltage: 1150, Frequency: 500})
	require.NoError(t, err)

	assert.Equal(t, StatusInsufficientSamples, result.Status)
	assert.Contains(t, result.Reason, "need at least 7")
}

func TestCollectZeroAverageHashrateIsInvalid(t *testing.T) {
	reader := &scriptedReader{fn: func(call int) (*device.SystemInfo, error) {
		return info(0, 55, 14), nil
	}}
	s := newTestSampler(testSampleConfig(13), reader)

	result, err := s.Collect(context.Background(), Setting{CoreVoltage: 1150, Frequency: 500})
	require.NoError(t, err)

	assert.Equal(t, StatusInvalidData, result.Status)
}

func TestCollectHonorsInterruptBetweenSamples(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := &scriptedReader{fn: func(call int) (*device.SystemInfo, error) {
		if call == 3 {
			cancel()
		}
		return info(500, 55, 14), nil
	}}
	s := newTestSampler(testSampleConfig(13), reader)

	_, err := s.Collect(ctx, Setting{CoreVoltage: 1150, Frequency: 500})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, reader.calls, "the in-flight reading finishes, later slots never start")
}
