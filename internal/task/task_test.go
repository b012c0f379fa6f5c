package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTasks = `
tasks:
  - id: t-1
    description: fix the flaky websocket test
    status: completed
  - id: t-2
    description: add retry to the uploader
    status: pending
  - id: t-3
    description: tighten lint config
    status: pending
`

func writeTasks(t *testing.T, content string) *Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tasks.yaml"), []byte(content), 0o644))
	return NewStore(dir)
}

func TestNext_FirstPending(t *testing.T) {
	s := writeTasks(t, sampleTasks)

	next, err := s.Next()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t-2", next.ID)
	assert.Equal(t, StatusPending, next.Status)
}

func TestNext_InProgressWinsOverPending(t *testing.T) {
	s := writeTasks(t, `
tasks:
  - id: t-1
    description: first
    status: pending
  - id: t-2
    description: resumed work
    status: in_progress
`)

	next, err := s.Next()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t-2", next.ID)
}

func TestNext_MissingFileMeansNoTask(t *testing.T) {
	s := NewStore(t.TempDir())

	next, err := s.Next()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMarkTransitions(t *testing.T) {
	s := writeTasks(t, sampleTasks)
	s.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, s.MarkInProgress("t-2"))

	tasks, err := s.Load()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, StatusInProgress, tasks[1].Status)
	assert.Equal(t, 2025, tasks[1].UpdatedAt.Year())
	// Untouched entries keep their status.
	assert.Equal(t, StatusCompleted, tasks[0].Status)

	require.NoError(t, s.MarkCompleted("t-2"))
	require.NoError(t, s.MarkFailed("t-3"))

	tasks, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tasks[1].Status)
	assert.Equal(t, StatusFailed, tasks[2].Status)
}

func TestMark_UnknownID(t *testing.T) {
	s := writeTasks(t, sampleTasks)
	assert.Error(t, s.MarkCompleted("t-999"))
}

func TestLoad_BadStatusRejected(t *testing.T) {
	s := writeTasks(t, `
tasks:
  - id: t-1
    description: broken
    status: wat
`)
	_, err := s.Load()
	assert.Error(t, err)
}

func TestStatusJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, `"in_progress"`, string(data))

	var s Status
	require.NoError(t, json.Unmarshal([]byte(`"failed"`), &s))
	assert.Equal(t, StatusFailed, s)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &s))
}

func TestActionable(t *testing.T) {
	assert.True(t, (&Task{Status: StatusPending}).Actionable())
	assert.True(t, (&Task{Status: StatusInProgress}).Actionable())
	assert.False(t, (&Task{Status: StatusCompleted}).Actionable())
	assert.False(t, (&Task{Status: StatusFailed}).Actionable())
}
