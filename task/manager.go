package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/sirupsen/logrus"

	"sam3web/archive"
	"sam3web/config"
)

type BatchStatus string

const (
	BatchQueued     BatchStatus = "queued"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

var (
	ErrBatchNotFound = errors.New("batch not found")
	ErrQueueFull     = errors.New("batch queue is full")
)

// TaskView is the per-task state shown to operators.
type TaskView struct {
	ID          string          `json:"id"`
	Index       int             `json:"index"`
	Video       string          `json:"video"`
	Label       string          `json:"label,omitempty"`
	Status      Status          `json:"status"`
	URL         string          `json:"url,omitempty"`
	Error       string          `json:"error,omitempty"`
	RateLimited bool            `json:"rateLimited,omitempty"`
	Archive     *archive.Report `json:"archive,omitempty"`
	Attempts    int             `json:"attempts"`
	StartedAt   time.Time       `json:"startedAt,omitempty"`
	CompletedAt time.Time       `json:"completedAt,omitempty"`
}

// BatchView is a point-in-time copy of a tracked batch.
type BatchView struct {
	ID               string      `json:"id"`
	Status           BatchStatus `json:"status"`
	ConcurrencyLimit int         `json:"concurrencyLimit"`
	StaggerMs        int64       `json:"staggerMs"`
	Settings         Settings    `json:"settings"`
	Tasks            []TaskView  `json:"tasks"`
	Saved            bool        `json:"saved"`
	HistoryID        string      `json:"historyId,omitempty"`
	Error            string      `json:"error,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	StartedAt        time.Time   `json:"startedAt,omitempty"`
	CompletedAt      time.Time   `json:"completedAt,omitempty"`
}

type batch struct {
	mu      sync.Mutex
	view    BatchView
	tasks   []Descriptor
	stagger time.Duration
	pos     map[string]int
}

func (b *batch) snapshot() BatchView {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view
	v.Tasks = append([]TaskView(nil), b.view.Tasks...)
	return v
}

// TaskLaunched implements Observer.
func (b *batch) TaskLaunched(d Descriptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tv := &b.view.Tasks[b.pos[d.ID]]
	if tv.Status != StatusRetrying {
		tv.Status = StatusRunning
	}
	tv.Attempts++
	tv.StartedAt = time.Now()
	tv.Error = ""
	tv.RateLimited = false
}

// TaskSettled implements Observer.
func (b *batch) TaskSettled(d Descriptor, o Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tv := &b.view.Tasks[b.pos[d.ID]]
	tv.Status = o.Status
	tv.URL = o.ResultRef
	tv.Error = o.Error
	tv.RateLimited = IsRateLimited(o.Err)
	tv.Archive = o.Archive
	tv.CompletedAt = time.Now()
}

// Manager runs submitted batches in the background and keeps their state
// for the presentation layer.
type Manager struct {
	cfg            *config.Config
	batches        sync.Map
	batchQueue     chan *batch
	concurrencySem chan struct{}
	scheduler      *Scheduler
	recorder       Recorder

	ctxMu   sync.Mutex
	baseCtx context.Context
}

func NewManager(cfg *config.Config, scheduler *Scheduler, recorder Recorder) (*Manager, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("nil scheduler")
	}
	m := &Manager{
		cfg:            cfg,
		batchQueue:     make(chan *batch, 100),
		concurrencySem: make(chan struct{}, cfg.MaxActiveBatches),
		scheduler:      scheduler,
		recorder:       recorder,
		baseCtx:        context.Background(),
	}
	return m, nil
}

// rootContext returns the context passed to Start, or Background before that.
func (m *Manager) rootContext() context.Context {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	return m.baseCtx
}

func (m *Manager) Start(ctx context.Context) {
	logrus.WithField("max_active_batches", m.cfg.MaxActiveBatches).Info("batch manager started")
	m.ctxMu.Lock()
	m.baseCtx = ctx
	m.ctxMu.Unlock()
	go m.cleanupLoop(ctx)
	go m.workerLoop(ctx)
}

// workerLoop pulls batches from the queue and runs them.
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logrus.Info("batch worker loop shutting down")
			return
		case b := <-m.batchQueue:
			m.concurrencySem <- struct{}{}
			go func(b *batch) {
				defer func() { <-m.concurrencySem }()
				m.processBatch(ctx, b)
			}(b)
		}
	}
}

func (m *Manager) processBatch(ctx context.Context, b *batch) {
	b.mu.Lock()
	b.view.Status = BatchProcessing
	b.view.StartedAt = time.Now()
	id, limit := b.view.ID, b.view.ConcurrencyLimit
	b.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{"batch_id": id, "tasks": len(b.tasks)})
	log.Info("processing batch")

	outcomes, err := m.scheduler.Observe(b).RunBatch(ctx, b.tasks, limit, b.stagger)
	if err != nil {
		log.WithError(err).Error("batch rejected")
		m.finish(b, "", false, err)
		return
	}

	rec, err := Aggregate(b.tasks, outcomes)
	if err != nil {
		m.finish(b, "", false, err)
		return
	}
	if m.recorder == nil {
		m.finish(b, "", false, nil)
		return
	}
	saved, ok, err := Persist(rec, m.recorder)
	m.finish(b, saved.ID, ok, err)
	log.WithField("saved", ok).Info("batch completed")
}

func (m *Manager) finish(b *batch, historyID string, saved bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.view.Status = BatchCompleted
	b.view.CompletedAt = time.Now()
	b.view.Saved = saved
	b.view.HistoryID = historyID
	if err != nil {
		b.view.Error = err.Error()
	}
}

// cleanupLoop drops expired batches together with their extracted archives.
func (m *Manager) cleanupLoop(ctx context.Context) {
	if m.cfg.BatchLifetime <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.BatchLifetime / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("cleanup loop shutting down")
			return
		case <-ticker.C:
			m.cleanup(time.Now())
		}
	}
}

func (m *Manager) cleanup(now time.Time) {
	m.batches.Range(func(key, value interface{}) bool {
		v := value.(*batch).snapshot()
		if v.Status != BatchCompleted || now.Sub(v.CompletedAt) <= m.cfg.BatchLifetime {
			return true
		}
		for _, tv := range v.Tasks {
			if tv.Archive != nil && tv.Archive.ExtractPath != "" {
				logrus.WithField("path", tv.Archive.ExtractPath).Info("removing expired archive")
				os.RemoveAll(tv.Archive.ExtractPath)
				os.Remove(tv.Archive.ZipPath)
			}
		}
		m.batches.Delete(key)
		return true
	})
}

// Submit queues a batch built by BuildQueue.
func (m *Manager) Submit(tasks []Descriptor, limit int, stagger time.Duration) (BatchView, error) {
	if len(tasks) == 0 {
		return BatchView{}, &ValidationError{Field: "videos", Reason: "must contain at least one video"}
	}
	if limit < 1 {
		return BatchView{}, &ValidationError{Field: "concurrency_limit", Reason: "must be at least 1"}
	}
	if stagger < 0 {
		return BatchView{}, &ValidationError{Field: "stagger", Reason: "must not be negative"}
	}

	b := &batch{
		tasks:   append([]Descriptor(nil), tasks...),
		stagger: stagger,
		pos:     make(map[string]int, len(tasks)),
		view: BatchView{
			ID:               fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix()),
			Status:           BatchQueued,
			ConcurrencyLimit: limit,
			StaggerMs:        stagger.Milliseconds(),
			Settings:         tasks[0].Settings,
			Tasks:            make([]TaskView, len(tasks)),
			CreatedAt:        time.Now(),
		},
	}
	for i, d := range tasks {
		b.pos[d.ID] = i
		b.view.Tasks[i] = TaskView{
			ID:     d.ID,
			Index:  d.Index,
			Video:  d.SourceRef,
			Label:  d.Label,
			Status: StatusQueued,
		}
	}

	id := b.view.ID
	m.batches.Store(id, b)
	select {
	case m.batchQueue <- b:
	default:
		m.batches.Delete(id)
		return BatchView{}, ErrQueueFull
	}
	logrus.WithFields(logrus.Fields{"batch_id": id, "tasks": len(tasks)}).Info("batch submitted to queue")
	return b.snapshot(), nil
}

func (m *Manager) Get(batchID string) (BatchView, bool) {
	if val, ok := m.batches.Load(batchID); ok {
		return val.(*batch).snapshot(), true
	}
	return BatchView{}, false
}

// List returns every tracked batch, newest first.
func (m *Manager) List() []BatchView {
	var list []BatchView
	m.batches.Range(func(key, value interface{}) bool {
		list = append(list, value.(*batch).snapshot())
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	return list
}

// Retry resubmits one failed task of a batch. The batch's history record is
// left untouched.
func (m *Manager) Retry(batchID string, index int) (TaskView, error) {
	val, ok := m.batches.Load(batchID)
	if !ok {
		return TaskView{}, ErrBatchNotFound
	}
	b := val.(*batch)

	b.mu.Lock()
	pos := -1
	for i, tv := range b.view.Tasks {
		if tv.Index == index {
			pos = i
			break
		}
	}
	if pos < 0 {
		b.mu.Unlock()
		return TaskView{}, fmt.Errorf("task %d not found in batch %s", index, batchID)
	}
	tv := &b.view.Tasks[pos]
	if tv.Status != StatusFailed {
		status := tv.Status
		b.mu.Unlock()
		return TaskView{}, fmt.Errorf("cannot retry task in state: %s", status)
	}
	tv.Status = StatusRetrying
	snapshot := *tv
	d := b.tasks[pos]
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{"batch_id": batchID, "task_id": d.ID}).Info("manual retry requested")
	go m.scheduler.Observe(b).Retry(context.WithoutCancel(m.rootContext()), d)
	return snapshot, nil
}
