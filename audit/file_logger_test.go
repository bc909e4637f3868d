package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) *FileLogger {
	t.Helper()
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Service: "test-service",
		Type:    FileAuditType,
		Options: map[string]interface{}{
			"file_path": filepath.Join(t.TempDir(), "audit.log"),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger
}

func TestFileLogger(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"LogAndQueryAll", testLogAndQueryAll},
		{"FilterByAction", testFilterByAction},
		{"FilterFailuresOnly", testFilterFailuresOnly},
		{"FilterLifecycleOnly", testFilterLifecycleOnly},
		{"FilterByKeyName", testFilterByKeyName},
		{"TimeWindowAndLimit", testTimeWindowAndLimit},
		{"SurvivesReopen", testSurvivesReopen},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func seedEvents(t *testing.T, logger *FileLogger) {
	t.Helper()
	require.NoError(t, logger.Log("key_create", true, map[string]interface{}{"key": "ks-hsc-desc-enc/a.onion"}))
	require.NoError(t, logger.Log("key_rotate", true, map[string]interface{}{"key": "ks-hsc-desc-enc/a.onion"}))
	require.NoError(t, logger.Log("key_remove", false, map[string]interface{}{"key": "ks-hsc-desc-enc/b.onion", "error": "declined"}))
	require.NoError(t, logger.Log("key_export", true, map[string]interface{}{"key": "ks-hsc-desc-enc/a.onion"}))
	require.NoError(t, logger.Log("state_backup", true, map[string]interface{}{"snapshot_id": "snap-1"}))
}

func testLogAndQueryAll(t *testing.T) {
	logger := newTestFileLogger(t)
	seedEvents(t, logger)

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 5)
	require.Equal(t, 5, result.TotalCount)

	// Newest first
	require.Equal(t, "state_backup", result.Events[0].Action)
	require.Equal(t, "test-service", result.Events[0].Service)
}

func testFilterByAction(t *testing.T) {
	logger := newTestFileLogger(t)
	seedEvents(t, logger)

	result, err := logger.Query(QueryOptions{Action: "key_rotate"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.Equal(t, "key_rotate", result.Events[0].Action)
}

func testFilterFailuresOnly(t *testing.T) {
	logger := newTestFileLogger(t)
	seedEvents(t, logger)

	failed := false
	result, err := logger.Query(QueryOptions{Success: &failed})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.Equal(t, "key_remove", result.Events[0].Action)
	require.Equal(t, "declined", result.Events[0].Error)
}

func testFilterLifecycleOnly(t *testing.T) {
	logger := newTestFileLogger(t)
	seedEvents(t, logger)

	result, err := logger.Query(QueryOptions{Lifecycle: true})
	require.NoError(t, err)
	// key_export and state_backup are not lifecycle actions
	require.Len(t, result.Events, 3)
	for _, event := range result.Events {
		require.NotEqual(t, "key_export", event.Action)
		require.NotEqual(t, "state_backup", event.Action)
	}
}

func testFilterByKeyName(t *testing.T) {
	logger := newTestFileLogger(t)
	seedEvents(t, logger)

	result, err := logger.Query(QueryOptions{KeyName: "ks-hsc-desc-enc/b.onion"})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.Equal(t, "key_remove", result.Events[0].Action)
}

func testTimeWindowAndLimit(t *testing.T) {
	logger := newTestFileLogger(t)
	seedEvents(t, logger)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	result, err := logger.Query(QueryOptions{Since: &past, Until: &future, Limit: 2})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)

	// A window before any event matches nothing
	longAgo := time.Now().Add(-2 * time.Hour)
	result, err = logger.Query(QueryOptions{Since: &longAgo, Until: &past})
	require.NoError(t, err)
	require.Empty(t, result.Events)
}

func testSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	config := &Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": filepath.Join(dir, "audit.log")},
	}

	logger, err := NewFileLogger(config)
	require.NoError(t, err)
	require.NoError(t, logger.Log("key_create", true, nil))
	require.NoError(t, logger.Close())

	// A fresh logger over the same file sees the earlier events
	logger, err = NewFileLogger(config)
	require.NoError(t, err)
	defer logger.Close()

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 1)
	require.Equal(t, "key_create", result.Events[0].Action)
}
