package allocator

import (
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// Scoring weights; they sum to 1.
const (
	weightTool     = 0.50
	weightResource = 0.30
	weightPrivacy  = 0.20
)

// cliFamily are the interchangeable coding CLIs: holding one counts as a
// near-match (0.7) for a subtask recommending another.
var cliFamily = map[string]bool{
	"claude_code": true,
	"gemini_cli":  true,
	"codex_cli":   true,
}

const nearMatchScore = 0.7

// MatchTool picks the worker tool to run a subtask and its tool-match score:
// exact recommended tool 1.0, full capability coverage 1.0 scaling down
// proportionally, CLI-family near-match 0.7, otherwise 0. Subtasks with no
// tool or capability requirements match any tool at 1.0.
func MatchTool(w *models.Worker, st *models.Subtask) (string, float64) {
	if len(st.RecommendedTools) == 0 && len(st.RequiredCapabilities) == 0 {
		if len(w.Tools) == 0 {
			return "", 0
		}
		return w.Tools[0].Name, 1.0
	}

	for _, rec := range st.RecommendedTools {
		if w.HasTool(rec) {
			return rec, 1.0
		}
	}

	bestTool, bestScore := "", 0.0
	if len(st.RequiredCapabilities) > 0 {
		for _, tool := range w.Tools {
			covered := 0
			caps := make(map[string]bool, len(tool.Capabilities))
			for _, c := range tool.Capabilities {
				caps[c] = true
			}
			for _, rc := range st.RequiredCapabilities {
				if caps[rc] {
					covered++
				}
			}
			if score := float64(covered) / float64(len(st.RequiredCapabilities)); score > bestScore {
				bestScore, bestTool = score, tool.Name
			}
		}
	}

	if tool, ok := familySubstitute(w, st); ok && nearMatchScore > bestScore {
		bestScore, bestTool = nearMatchScore, tool
	}
	return bestTool, bestScore
}

// familySubstitute returns a worker CLI that can stand in for a recommended
// family member the worker lacks.
func familySubstitute(w *models.Worker, st *models.Subtask) (string, bool) {
	wantsFamily := false
	for _, rec := range st.RecommendedTools {
		if cliFamily[rec] {
			wantsFamily = true
			break
		}
	}
	if !wantsFamily {
		return "", false
	}
	for _, tool := range w.Tools {
		if cliFamily[tool.Name] {
			return tool.Name, true
		}
	}
	return "", false
}

// ResourceFit is 1 - max(cpu, mem, disk)/100, clamped to [0,1].
func ResourceFit(info api.SystemInfo) float64 {
	peak := info.CPUPercent
	if info.MemoryPercent > peak {
		peak = info.MemoryPercent
	}
	if info.DiskPercent > peak {
		peak = info.DiskPercent
	}
	fit := 1 - peak/100
	if fit < 0 {
		return 0
	}
	if fit > 1 {
		return 1
	}
	return fit
}

// PrivacyMatch scores data placement: sensitive work on on-prem hardware is
// a full match, sensitive work off-prem scores zero, non-sensitive work is
// indifferent.
func PrivacyMatch(sensitive, onPrem bool) float64 {
	if !sensitive {
		return 1.0
	}
	if onPrem {
		return 1.0
	}
	return 0.0
}

// Disqualified applies the hard resource thresholds.
func Disqualified(info api.SystemInfo, cpuMax, memMax, diskMax float64) bool {
	return info.CPUPercent >= cpuMax || info.MemoryPercent >= memMax || info.DiskPercent >= diskMax
}

// candidate is one scored worker during selection.
type candidate struct {
	worker *models.Worker
	tool   string
	score  float64
	load   int
}

// betterThan orders candidates: higher score, then lower load, then
// lexicographic id for determinism.
func (c candidate) betterThan(other candidate) bool {
	if c.score != other.score {
		return c.score > other.score
	}
	if c.load != other.load {
		return c.load < other.load
	}
	return c.worker.ID < other.worker.ID
}
