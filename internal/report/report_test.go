package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/axetune/axetune/internal/bench"
)

type lineSink struct {
	lines []string
}

func (s *lineSink) Printf(format string, args ...any) {
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
}

func stable(voltage, frequency int, hashrate, efficiency float64) bench.CandidateResult {
	return bench.CandidateResult{
		Setting:     bench.Setting{CoreVoltage: voltage, Frequency: frequency},
		Status:      bench.StatusStable,
		AvgHashrate: hashrate,
		AvgTemp:     55,
		AvgPower:    14,
		Efficiency:  efficiency,
		SampleCount: 13,
	}
}

func TestFilenameSanitizesHost(t *testing.T) {
	r := New("/tmp/out", 5, zap.NewNop())

	assert.Equal(t, "/tmp/out/axetune_results_10.0.0.1.json", r.Filename("10.0.0.1"))
	assert.Equal(t, "/tmp/out/axetune_results_10.0.0.1_8080.json", r.Filename("10.0.0.1:8080"))
}

func TestSaveWritesArtifact(t *testing.T) {
	dir := t.TempDir()
	r := New(filepath.Join(dir, "results"), 2, zap.NewNop())

	st := bench.RunState{
		RunID:  "run-1",
		Device: "10.0.0.1",
		Results: []bench.CandidateResult{
			stable(1150, 500, 480, 29.2),
			stable(1150, 510, 495, 28.3),
			stable(1155, 520, 505, 27.8),
			{
				Setting: bench.Setting{CoreVoltage: 1155, Frequency: 530},
				Status:  bench.StatusThermalAbort,
				Reason:  "chip temperature 62.0°C reached limit 62.0°C",
			},
		},
	}
	require.NoError(t, r.Save(st))

	data, err := os.ReadFile(r.Filename("10.0.0.1"))
	require.NoError(t, err)

	var artifact Artifact
	require.NoError(t, json.Unmarshal(data, &artifact))

	assert.Equal(t, "run-1", artifact.RunID)
	assert.Equal(t, "10.0.0.1", artifact.Device)
	assert.False(t, artifact.GeneratedAt.IsZero())
	assert.Len(t, artifact.AllResults, 4, "aborted candidates stay in the full history")

	require.Len(t, artifact.TopHashrate, 2, "top list truncated to top_n")
	assert.Equal(t, 1, artifact.TopHashrate[0].Rank)
	assert.Equal(t, 520, artifact.TopHashrate[0].Setting.Frequency)
	assert.Equal(t, 510, artifact.TopHashrate[1].Setting.Frequency)

	require.Len(t, artifact.MostEfficient, 2)
	assert.Equal(t, 520, artifact.MostEfficient[0].Setting.Frequency)
}

func TestSaveEmptyRun(t *testing.T) {
	r := New(t.TempDir(), 5, zap.NewNop())

	require.NoError(t, r.Save(bench.RunState{RunID: "run-2", Device: "10.0.0.2"}))

	data, err := os.ReadFile(r.Filename("10.0.0.2"))
	require.NoError(t, err)

	var artifact Artifact
	require.NoError(t, json.Unmarshal(data, &artifact))
	assert.NotNil(t, artifact.AllResults)
	assert.Empty(t, artifact.AllResults)
}

func TestRankingsExcludeNonStableResults(t *testing.T) {
	results := []bench.CandidateResult{
		stable(1150, 500, 480, 29.2),
		{
			Setting:     bench.Setting{CoreVoltage: 1155, Frequency: 520},
			Status:      bench.StatusUnstable,
			AvgHashrate: 600,
			Efficiency:  20,
		},
	}

	top := TopByHashrate(results, 5)
	require.Len(t, top, 1)
	assert.Equal(t, 500, top[0].Setting.Frequency)

	efficient := TopByEfficiency(results, 5)
	require.Len(t, efficient, 1)
	assert.Equal(t, 500, efficient[0].Setting.Frequency)
}

func TestSummaryWithoutStableResults(t *testing.T) {
	r := New(t.TempDir(), 5, zap.NewNop())
	sink := &lineSink{}

	r.Summary(bench.RunState{Device: "10.0.0.3"}, sink)

	require.Len(t, sink.lines, 1)
	assert.Contains(t, sink.lines[0], "no stable results")
}

func TestSummaryListsTopSettings(t *testing.T) {
	r := New(t.TempDir(), 5, zap.NewNop())
	sink := &lineSink{}

	st := bench.RunState{
		Device: "10.0.0.4",
		Results: []bench.CandidateResult{
			stable(1150, 500, 480, 29.2),
			stable(1150, 510, 495, 28.3),
		},
	}
	r.Summary(st, sink)

	joined := fmt.Sprint(sink.lines)
	assert.Contains(t, joined, "highest hashrate")
	assert.Contains(t, joined, "most efficient")
	assert.Contains(t, joined, "510MHz")
}
