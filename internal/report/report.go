// Package report ranks a run's results and persists the per-device artifact.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/axetune/axetune/internal/bench"
)

// Artifact is the persisted result document for one device.
type Artifact struct {
	RunID         string                  `json:"run_id"`
	Device        string                  `json:"device"`
	GeneratedAt   time.Time               `json:"generated_at"`
	AllResults    []bench.CandidateResult `json:"all_results"`
	TopHashrate   []RankedResult          `json:"top_performers"`
	MostEfficient []RankedResult          `json:"most_efficient"`
}

// RankedResult is a stable result with its 1-based rank in a view.
type RankedResult struct {
	Rank int `json:"rank"`
	bench.CandidateResult
}

// Reporter writes result artifacts. It has no state machine; Save may be
// called after every candidate for incremental persistence.
type Reporter struct {
	dir    string
	topN   int
	logger *zap.Logger
}

// New creates a reporter writing into dir (created on demand).
func New(dir string, topN int, logger *zap.Logger) *Reporter {
	return &Reporter{dir: dir, topN: topN, logger: logger.Named("report")}
}

// Filename returns the artifact path for a device.
func (r *Reporter) Filename(deviceID string) string {
	safe := strings.NewReplacer("/", "_", ":", "_").Replace(deviceID)
	return filepath.Join(r.dir, fmt.Sprintf("axetune_results_%s.json", safe))
}

// Save persists the run's artifact atomically (temp file + rename).
func (r *Reporter) Save(st bench.RunState) error {
	artifact := Artifact{
		RunID:         st.RunID,
		Device:        st.Device,
		GeneratedAt:   time.Now().UTC(),
		AllResults:    st.Results,
		TopHashrate:   TopByHashrate(st.Results, r.topN),
		MostEfficient: TopByEfficiency(st.Results, r.topN),
	}
	if artifact.AllResults == nil {
		artifact.AllResults = []bench.CandidateResult{}
	}

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}

	if r.dir != "" {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	path := r.Filename(st.Device)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}

	r.logger.Debug("artifact saved",
		zap.String("device", st.Device),
		zap.String("path", path),
		zap.Int("results", len(st.Results)),
	)
	return nil
}

// TopByHashrate returns the top n stable results by average hashrate
// (descending), ties broken by lower voltage then lower frequency.
func TopByHashrate(results []bench.CandidateResult, n int) []RankedResult {
	return rank(results, n, bench.BetterByHashrate)
}

// TopByEfficiency returns the top n stable results by efficiency (ascending
// J/TH, lower is better), same tie-breaking.
func TopByEfficiency(results []bench.CandidateResult, n int) []RankedResult {
	return rank(results, n, bench.BetterByEfficiency)
}

func rank(results []bench.CandidateResult, n int, better func(a, b bench.CandidateResult) bool) []RankedResult {
	stable := make([]bench.CandidateResult, 0, len(results))
	for _, res := range results {
		if res.Status == bench.StatusStable {
			stable = append(stable, res)
		}
	}
	sort.SliceStable(stable, func(i, j int) bool { return better(stable[i], stable[j]) })
	if len(stable) > n {
		stable = stable[:n]
	}
	ranked := make([]RankedResult, len(stable))
	for i, res := range stable {
		ranked[i] = RankedResult{Rank: i + 1, CandidateResult: res}
	}
	return ranked
}

// Summary writes the human-readable top lists for a finished run through the
// given sink.
func (r *Reporter) Summary(st bench.RunState, sink bench.Progress) {
	top := TopByHashrate(st.Results, r.topN)
	efficient := TopByEfficiency(st.Results, r.topN)

	if len(top) == 0 {
		sink.Printf("benchmarking completed, no stable results found")
		return
	}

	sink.Printf("benchmarking completed")
	sink.Printf("top %d highest hashrate settings:", len(top))
	for _, res := range top {
		printRanked(sink, res)
	}
	sink.Printf("top %d most efficient settings:", len(efficient))
	for _, res := range efficient {
		printRanked(sink, res)
	}
}

func printRanked(sink bench.Progress, res RankedResult) {
	line := fmt.Sprintf("  rank %d: %4dmV, %4dMHz | %s GH/s | %.2f°C | %.2f J/TH",
		res.Rank,
		res.Setting.CoreVoltage,
		res.Setting.Frequency,
		humanize.CommafWithDigits(res.AvgHashrate, 2),
		res.AvgTemp,
		res.Efficiency,
	)
	if res.AvgVRTemp != nil {
		line += fmt.Sprintf(" | VR %.2f°C", *res.AvgVRTemp)
	}
	sink.Printf("%s", line)
}
