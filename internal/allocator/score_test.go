package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

func worker(id string, tools ...api.ToolSpec) *models.Worker {
	return &models.Worker{ID: id, Status: models.WorkerIdle, Tools: tools}
}

func TestMatchToolExact(t *testing.T) {
	w := worker("w1", api.ToolSpec{Name: "claude_code"}, api.ToolSpec{Name: "gemini_cli"})
	st := &models.Subtask{RecommendedTools: []string{"gemini_cli", "claude_code"}}

	tool, score := MatchTool(w, st)
	assert.Equal(t, "gemini_cli", tool, "recommendation order wins")
	assert.Equal(t, 1.0, score)
}

func TestMatchToolNearMatch(t *testing.T) {
	w := worker("w1", api.ToolSpec{Name: "gemini_cli"})
	st := &models.Subtask{RecommendedTools: []string{"claude_code"}}

	tool, score := MatchTool(w, st)
	assert.Equal(t, "gemini_cli", tool)
	assert.Equal(t, 0.7, score)
}

func TestMatchToolOutsideFamilyNoSubstitute(t *testing.T) {
	w := worker("w1", api.ToolSpec{Name: "gemini_cli"})
	st := &models.Subtask{RecommendedTools: []string{"terraform"}}

	tool, score := MatchTool(w, st)
	assert.Empty(t, tool)
	assert.Zero(t, score)
}

func TestMatchToolCapabilityCoverage(t *testing.T) {
	w := worker("w1",
		api.ToolSpec{Name: "linter", Capabilities: []string{"code_review"}},
		api.ToolSpec{Name: "suite", Capabilities: []string{"code_review", "test_generation"}},
	)
	st := &models.Subtask{RequiredCapabilities: []string{"code_review", "test_generation"}}

	tool, score := MatchTool(w, st)
	assert.Equal(t, "suite", tool, "widest coverage wins")
	assert.Equal(t, 1.0, score)

	partial := &models.Subtask{RequiredCapabilities: []string{"code_review", "deployment"}}
	tool, score = MatchTool(w, partial)
	assert.NotEmpty(t, tool)
	assert.Equal(t, 0.5, score)
}

func TestMatchToolNearMatchBeatsWeakCoverage(t *testing.T) {
	w := worker("w1", api.ToolSpec{Name: "codex_cli", Capabilities: []string{"code_generation"}})
	st := &models.Subtask{
		RecommendedTools:     []string{"claude_code"},
		RequiredCapabilities: []string{"code_generation", "code_review", "documentation"},
	}

	// Coverage is 1/3; the family substitute at 0.7 is the better score.
	tool, score := MatchTool(w, st)
	assert.Equal(t, "codex_cli", tool)
	assert.Equal(t, 0.7, score)
}

func TestMatchToolUnconstrainedSubtask(t *testing.T) {
	w := worker("w1", api.ToolSpec{Name: "claude_code"})
	tool, score := MatchTool(w, &models.Subtask{})
	assert.Equal(t, "claude_code", tool)
	assert.Equal(t, 1.0, score)

	bare := worker("w2")
	tool, score = MatchTool(bare, &models.Subtask{})
	assert.Empty(t, tool)
	assert.Zero(t, score)
}

func TestResourceFit(t *testing.T) {
	assert.InDelta(t, 0.8, ResourceFit(api.SystemInfo{CPUPercent: 20, MemoryPercent: 10}), 0.001)
	assert.InDelta(t, 0.3, ResourceFit(api.SystemInfo{CPUPercent: 20, MemoryPercent: 70, DiskPercent: 40}), 0.001)
	assert.Zero(t, ResourceFit(api.SystemInfo{CPUPercent: 120}), "clamped at zero")
	assert.Equal(t, 1.0, ResourceFit(api.SystemInfo{}))
}

func TestPrivacyMatch(t *testing.T) {
	assert.Equal(t, 1.0, PrivacyMatch(false, false))
	assert.Equal(t, 1.0, PrivacyMatch(false, true))
	assert.Equal(t, 1.0, PrivacyMatch(true, true))
	assert.Zero(t, PrivacyMatch(true, false))
}

func TestDisqualifiedBoundaries(t *testing.T) {
	assert.False(t, Disqualified(api.SystemInfo{CPUPercent: 79.9, MemoryPercent: 84.9, DiskPercent: 89.9}, 80, 85, 90))
	assert.True(t, Disqualified(api.SystemInfo{CPUPercent: 80}, 80, 85, 90), "thresholds are inclusive")
	assert.True(t, Disqualified(api.SystemInfo{MemoryPercent: 85}, 80, 85, 90))
	assert.True(t, Disqualified(api.SystemInfo{DiskPercent: 90}, 80, 85, 90))
}

func TestCandidateOrdering(t *testing.T) {
	a := candidate{worker: &models.Worker{ID: "a"}, score: 0.9, load: 1}
	b := candidate{worker: &models.Worker{ID: "b"}, score: 0.8, load: 0}
	assert.True(t, a.betterThan(b), "score dominates load")

	c := candidate{worker: &models.Worker{ID: "c"}, score: 0.9, load: 0}
	assert.True(t, c.betterThan(a), "equal score, lower load wins")

	d := candidate{worker: &models.Worker{ID: "d"}, score: 0.9, load: 0}
	assert.True(t, c.betterThan(d), "full tie breaks on id")
	assert.False(t, d.betterThan(c))
}
