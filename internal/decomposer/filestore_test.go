package decomposer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/models"
)

const sampleTemplate = `
name: team-bugfix
task_type: bug_fix
description: triage-first bugfix flow
steps:
  - name: Triage
    type: analysis
    tools: [claude_code]
    capabilities: [analysis]
  - name: Fix
    type: code_fix
    depends_on: [Triage]
    tools: [claude_code]
    capabilities: [code_fix]
  - name: Regression Test
    type: test
    depends_on: [Fix]
    capabilities: [test_generation]
`

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewFileStore(dir, log), dir
}

func TestFileStoreLoad(t *testing.T) {
	fs, dir := newFileStore(t)
	writeTemplate(t, dir, "bugfix.yaml", sampleTemplate)

	require.NoError(t, fs.Load())

	tpl, ok := fs.BestForTaskType(models.TaskBugFix)
	require.True(t, ok)
	assert.Equal(t, "team-bugfix", tpl.Name)
	require.Len(t, tpl.Steps, 3)

	// Name references resolve to positions.
	assert.Empty(t, tpl.Steps[0].DependsOn)
	assert.Equal(t, []int{0}, tpl.Steps[1].DependsOn)
	assert.Equal(t, []int{1}, tpl.Steps[2].DependsOn)
	assert.Equal(t, models.SubtaskCodeFix, tpl.Steps[1].SubtaskType)

	_, ok = fs.BestForTaskType(models.TaskDevelopFeature)
	assert.False(t, ok)
}

func TestFileStoreSkipsInvalidFiles(t *testing.T) {
	fs, dir := newFileStore(t)
	writeTemplate(t, dir, "good.yaml", sampleTemplate)
	writeTemplate(t, dir, "broken.yaml", "name: broken\ntask_type: nope\nsteps: []\n")
	writeTemplate(t, dir, "dangling.yaml", `
name: dangling
task_type: bug_fix
steps:
  - name: Fix
    type: code_fix
    depends_on: [Missing]
`)
	writeTemplate(t, dir, "notes.txt", "not a template")

	require.NoError(t, fs.Load())
	assert.Len(t, fs.All(), 1, "only the valid yaml survives")
}

func TestFileStoreCyclicTemplateRejected(t *testing.T) {
	fs, dir := newFileStore(t)
	writeTemplate(t, dir, "cycle.yaml", `
name: cycle
task_type: bug_fix
steps:
  - name: A
    type: analysis
    depends_on: [B]
  - name: B
    type: analysis
    depends_on: [A]
`)
	require.NoError(t, fs.Load())
	assert.Empty(t, fs.All())
}

func TestFileStoreDuplicateNamesKeepFirst(t *testing.T) {
	fs, dir := newFileStore(t)
	writeTemplate(t, dir, "a.yaml", sampleTemplate)
	writeTemplate(t, dir, "b.yaml", sampleTemplate)

	require.NoError(t, fs.Load())
	assert.Len(t, fs.All(), 1)
}

func TestFileStorePicksLexicographicallyFirst(t *testing.T) {
	fs, dir := newFileStore(t)
	writeTemplate(t, dir, "zeta.yaml", `
name: zeta-flow
task_type: documentation
steps:
  - name: Write
    type: documentation
`)
	writeTemplate(t, dir, "alpha.yaml", `
name: alpha-flow
task_type: documentation
steps:
  - name: Write
    type: documentation
`)

	require.NoError(t, fs.Load())
	tpl, ok := fs.BestForTaskType(models.TaskDocumentation)
	require.True(t, ok)
	assert.Equal(t, "alpha-flow", tpl.Name)
}

func TestFileStoreHotReload(t *testing.T) {
	fs, dir := newFileStore(t)
	require.NoError(t, fs.Load())
	require.Empty(t, fs.All())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fs.Watch(ctx)
	}()

	// Give the watcher a moment to attach before writing.
	time.Sleep(50 * time.Millisecond)
	writeTemplate(t, dir, "bugfix.yaml", sampleTemplate)

	require.Eventually(t, func() bool {
		_, ok := fs.BestForTaskType(models.TaskBugFix)
		return ok
	}, 3*time.Second, 50*time.Millisecond, "template appears after reload")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
