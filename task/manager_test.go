package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sam3web/archive"
	"sam3web/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRecorder keeps appended records in memory.
type memRecorder struct {
	mu      sync.Mutex
	records []BatchRecord
}

func (m *memRecorder) Append(rec BatchRecord) (BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = "hist-" + rec.Inputs[0]
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memRecorder) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func testConfig() *config.Config {
	return &config.Config{
		MaxActiveBatches: 1,
		BatchLifetime:    time.Hour,
	}
}

func startManager(t *testing.T, sub Submitter, rec Recorder) *Manager {
	t.Helper()
	mgr, err := NewManager(testConfig(), NewScheduler(sub), rec)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	return mgr
}

func waitCompleted(t *testing.T, mgr *Manager, id string) BatchView {
	t.Helper()
	var view BatchView
	require.Eventually(t, func() bool {
		v, ok := mgr.Get(id)
		view = v
		return ok && v.Status == BatchCompleted
	}, 2*time.Second, 5*time.Millisecond)
	return view
}

func TestManager_Submit(t *testing.T) {
	mgr, err := NewManager(testConfig(), NewScheduler(&mockSubmitter{}), nil)
	require.NoError(t, err)

	view, err := mgr.Submit(makeTasks(t, 2, defaultSettings), 1, time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)
	assert.Equal(t, BatchQueued, view.Status)
	assert.Equal(t, int64(1000), view.StaggerMs)
	require.Len(t, view.Tasks, 2)
	assert.Equal(t, StatusQueued, view.Tasks[0].Status)

	got, found := mgr.Get(view.ID)
	assert.True(t, found)
	assert.Equal(t, view.ID, got.ID)
}

func TestManager_SubmitValidation(t *testing.T) {
	mgr, err := NewManager(testConfig(), NewScheduler(&mockSubmitter{}), nil)
	require.NoError(t, err)

	_, err = mgr.Submit(nil, 1, 0)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = mgr.Submit(makeTasks(t, 1, defaultSettings), 0, 0)
	assert.True(t, errors.As(err, &verr))

	_, err = NewManager(testConfig(), nil, nil)
	assert.Error(t, err)
}

func TestManager_QueueFull(t *testing.T) {
	// not started, nothing drains the queue
	mgr, err := NewManager(testConfig(), NewScheduler(&mockSubmitter{}), nil)
	require.NoError(t, err)

	tasks := makeTasks(t, 1, defaultSettings)
	for i := 0; i < cap(mgr.batchQueue); i++ {
		_, err := mgr.Submit(tasks, 1, 0)
		require.NoError(t, err)
	}
	_, err = mgr.Submit(tasks, 1, 0)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Len(t, mgr.List(), cap(mgr.batchQueue))
}

func TestManager_ProcessBatch(t *testing.T) {
	t.Run("persists a batch with some output", func(t *testing.T) {
		sub := &mockSubmitter{
			submitFunc: func(ctx context.Context, ref string, s Settings) (string, error) {
				if ref == "v1.mp4" {
					return "", errors.New("remote exploded")
				}
				return "out-" + ref, nil
			},
		}
		rec := &memRecorder{}
		mgr := startManager(t, sub, rec)

		view, err := mgr.Submit(makeTasks(t, 3, defaultSettings), 2, 0)
		require.NoError(t, err)
		done := waitCompleted(t, mgr, view.ID)

		assert.True(t, done.Saved)
		assert.Equal(t, "hist-v0.mp4", done.HistoryID)
		assert.Empty(t, done.Error)
		assert.Equal(t, StatusSucceeded, done.Tasks[0].Status)
		assert.Equal(t, "out-v0.mp4", done.Tasks[0].URL)
		assert.Equal(t, StatusFailed, done.Tasks[1].Status)
		assert.Equal(t, "remote exploded", done.Tasks[1].Error)
		assert.Equal(t, 1, done.Tasks[1].Attempts)
		assert.Equal(t, StatusSucceeded, done.Tasks[2].Status)

		require.Equal(t, 1, rec.Len())
		assert.Nil(t, rec.records[0].Outputs[1])
	})

	t.Run("skips history when every task failed", func(t *testing.T) {
		sub := &mockSubmitter{
			submitFunc: func(ctx context.Context, ref string, s Settings) (string, error) {
				return "", NewRateLimitedError(429, 0)
			},
		}
		rec := &memRecorder{}
		mgr := startManager(t, sub, rec)

		view, err := mgr.Submit(makeTasks(t, 2, defaultSettings), 1, 0)
		require.NoError(t, err)
		done := waitCompleted(t, mgr, view.ID)

		assert.False(t, done.Saved)
		assert.Empty(t, done.HistoryID)
		assert.True(t, done.Tasks[0].RateLimited)
		assert.Equal(t, 0, rec.Len())
	})
}

func TestManager_Retry(t *testing.T) {
	var calls int32
	sub := &mockSubmitter{
		submitFunc: func(ctx context.Context, ref string, s Settings) (string, error) {
			if ref == "v1.mp4" && atomic.AddInt32(&calls, 1) == 1 {
				return "", NewRateLimitedError(429, 0)
			}
			return "out-" + ref, nil
		},
	}
	rec := &memRecorder{}
	mgr := startManager(t, sub, rec)

	view, err := mgr.Submit(makeTasks(t, 2, defaultSettings), 2, 0)
	require.NoError(t, err)
	done := waitCompleted(t, mgr, view.ID)
	require.Equal(t, StatusFailed, done.Tasks[1].Status)

	t.Run("rejects tasks that did not fail", func(t *testing.T) {
		_, err := mgr.Retry(view.ID, done.Tasks[0].Index)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot retry task in state: succeeded")
	})

	t.Run("unknown batch or index", func(t *testing.T) {
		_, err := mgr.Retry("nope", 1)
		assert.ErrorIs(t, err, ErrBatchNotFound)

		_, err = mgr.Retry(view.ID, 99)
		assert.Error(t, err)
	})

	t.Run("resubmits a failed task", func(t *testing.T) {
		tv, err := mgr.Retry(view.ID, done.Tasks[1].Index)
		require.NoError(t, err)
		assert.Equal(t, StatusRetrying, tv.Status)

		require.Eventually(t, func() bool {
			v, _ := mgr.Get(view.ID)
			return v.Tasks[1].Status == StatusSucceeded
		}, 2*time.Second, 5*time.Millisecond)

		v, _ := mgr.Get(view.ID)
		assert.Equal(t, "out-v1.mp4", v.Tasks[1].URL)
		assert.Equal(t, 2, v.Tasks[1].Attempts)
		assert.False(t, v.Tasks[1].RateLimited)

		// history keeps the record written when the batch settled
		require.Equal(t, 1, rec.Len())
		assert.Nil(t, rec.records[0].Outputs[1])
		assert.Equal(t, done.HistoryID, v.HistoryID)
	})
}

func TestManager_RetryConcurrentWithStart(t *testing.T) {
	var calls int32
	sub := &mockSubmitter{
		submitFunc: func(ctx context.Context, ref string, s Settings) (string, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return "", errors.New("transient")
			}
			return "out-" + ref, nil
		},
	}
	mgr, err := NewManager(testConfig(), NewScheduler(sub), &memRecorder{})
	require.NoError(t, err)

	// run the batch by hand so a failed task exists before Start
	view, err := mgr.Submit(makeTasks(t, 1, defaultSettings), 1, 0)
	require.NoError(t, err)
	mgr.processBatch(context.Background(), <-mgr.batchQueue)
	done, _ := mgr.Get(view.ID)
	require.Equal(t, StatusFailed, done.Tasks[0].Status)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		mgr.Start(ctx)
	}()
	var retryErr error
	go func() {
		defer wg.Done()
		_, retryErr = mgr.Retry(view.ID, done.Tasks[0].Index)
	}()
	wg.Wait()
	require.NoError(t, retryErr)

	require.Eventually(t, func() bool {
		v, _ := mgr.Get(view.ID)
		return v.Tasks[0].Status == StatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestManager_List(t *testing.T) {
	mgr, err := NewManager(testConfig(), NewScheduler(&mockSubmitter{}), nil)
	require.NoError(t, err)

	first, err := mgr.Submit(makeTasks(t, 1, defaultSettings), 1, 0)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := mgr.Submit(makeTasks(t, 1, defaultSettings), 1, 0)
	require.NoError(t, err)

	list := mgr.List()
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
}

func TestManager_Cleanup(t *testing.T) {
	dir := t.TempDir()
	extractPath := filepath.Join(dir, "extract_x")
	zipPath := filepath.Join(dir, "download_x.zip")
	require.NoError(t, os.MkdirAll(extractPath, 0o755))
	require.NoError(t, os.WriteFile(zipPath, []byte("zip"), 0o644))

	zipSettings := defaultSettings
	zipSettings.ReturnZip = true
	ext := &mockExtractor{
		extractFunc: func(ctx context.Context, url string) (*archive.Report, error) {
			return &archive.Report{ZipPath: zipPath, ExtractPath: extractPath}, nil
		},
	}
	mgr, err := NewManager(testConfig(), NewScheduler(&mockSubmitter{}, WithExtractor(ext)), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	view, err := mgr.Submit(makeTasks(t, 1, zipSettings), 1, 0)
	require.NoError(t, err)
	done := waitCompleted(t, mgr, view.ID)
	require.NotNil(t, done.Tasks[0].Archive)

	mgr.cleanup(time.Now())
	_, found := mgr.Get(view.ID)
	assert.True(t, found, "batch is still within its lifetime")

	mgr.cleanup(time.Now().Add(2 * time.Hour))
	_, found = mgr.Get(view.ID)
	assert.False(t, found)
	assert.NoDirExists(t, extractPath)
	assert.NoFileExists(t, zipPath)
}
