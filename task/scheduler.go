package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sam3web/archive"
)

// Submitter sends one video to the remote segmentation model and returns
// the locator of the produced output.
type Submitter interface {
	Submit(ctx context.Context, sourceRef string, settings Settings) (string, error)
}

// ArchiveExtractor unpacks a ZIP result. Only used for tasks that asked for one.
type ArchiveExtractor interface {
	Extract(ctx context.Context, url string) (*archive.Report, error)
}

// Observer is notified as tasks start and settle. TaskLaunched runs on the
// goroutine driving the batch, TaskSettled on the task's own goroutine; both
// must not block for long. A panicking callback is logged and ignored.
type Observer interface {
	TaskLaunched(d Descriptor)
	TaskSettled(d Descriptor, o Outcome)
}

// Scheduler runs batches of tasks against a Submitter with a bounded number
// of in-flight tasks and a fixed spacing between launches.
type Scheduler struct {
	submitter Submitter
	extractor ArchiveExtractor
	observer  Observer
	log       *logrus.Entry
}

type Option func(*Scheduler)

func WithExtractor(e ArchiveExtractor) Option { return func(s *Scheduler) { s.extractor = e } }
func WithObserver(o Observer) Option          { return func(s *Scheduler) { s.observer = o } }
func WithLogger(l *logrus.Entry) Option       { return func(s *Scheduler) { s.log = l } }

func NewScheduler(submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		submitter: submitter,
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe returns a copy of s that reports to o.
func (s *Scheduler) Observe(o Observer) *Scheduler {
	cp := *s
	cp.observer = o
	return &cp
}

// RunBatch launches tasks in order, never keeping more than limit of them in
// flight and waiting stagger after every launch but the last. It returns one
// outcome per task, aligned with tasks regardless of completion order.
//
// Cancelling ctx stops further launches; tasks already launched run to
// completion. Only invalid arguments produce an error.
func (s *Scheduler) RunBatch(ctx context.Context, tasks []Descriptor, limit int, stagger time.Duration) ([]Outcome, error) {
	if limit < 1 {
		return nil, &ValidationError{Field: "concurrency_limit", Reason: "must be at least 1"}
	}
	if stagger < 0 {
		return nil, &ValidationError{Field: "stagger", Reason: "must not be negative"}
	}

	outcomes := make([]Outcome, len(tasks))
	slots := newSlotSet(len(tasks))
	runCtx := context.WithoutCancel(ctx)
	var pending sync.WaitGroup

	launched := 0
	for i := range tasks {
		if err := slots.acquire(ctx, limit); err != nil {
			break
		}
		s.launch(runCtx, slots, &pending, i, tasks[i], &outcomes[i])
		launched++

		if i < len(tasks)-1 {
			if err := sleep(ctx, stagger); err != nil {
				break
			}
		}
	}

	slots.drain()
	pending.Wait()

	for i := launched; i < len(tasks); i++ {
		err := fmt.Errorf("%w: %v", ErrNotLaunched, context.Cause(ctx))
		outcomes[i] = failed(tasks[i], err)
		s.notifySettled(tasks[i], outcomes[i])
	}
	if launched < len(tasks) {
		s.log.WithFields(logrus.Fields{
			"launched": launched,
			"skipped":  len(tasks) - launched,
		}).Warn("batch interrupted before every task was launched")
	}
	return outcomes, nil
}

// Retry resubmits a single task through the same path RunBatch uses. It
// does not interact with any running batch.
func (s *Scheduler) Retry(ctx context.Context, d Descriptor) Outcome {
	s.notifyLaunched(d)
	o := s.postProcess(ctx, d, s.runOne(ctx, d))
	s.notifySettled(d, o)
	return o
}

// launch starts task i. Its slot is released as soon as the remote call
// settles; archive extraction runs afterwards, tracked by pending.
func (s *Scheduler) launch(ctx context.Context, slots *slotSet, pending *sync.WaitGroup, i int, d Descriptor, out *Outcome) {
	slots.add(i)
	s.notifyLaunched(d)
	pending.Add(1)
	go func() {
		defer pending.Done()
		o := func() Outcome {
			defer slots.release(i)
			return s.runOne(ctx, d)
		}()
		o = s.postProcess(ctx, d, o)
		*out = o
		s.notifySettled(d, o)
	}()
}

// runOne performs one remote submission and converts every failure,
// panics included, into a failed outcome.
func (s *Scheduler) runOne(ctx context.Context, d Descriptor) (out Outcome) {
	log := s.log.WithFields(logrus.Fields{
		"task_id": d.ID,
		"index":   d.Index,
	})

	tasksLaunched.Inc()
	tasksInFlight.Inc()
	start := time.Now()
	defer func() {
		tasksInFlight.Dec()
		taskDurationSeconds.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			out = failed(d, fmt.Errorf("submission panicked: %v", r))
		}
		taskOutcomes.WithLabelValues(string(out.Status)).Inc()
	}()

	log.WithField("video", d.SourceRef).Info("submitting task")
	ref, err := s.submitter.Submit(ctx, d.SourceRef, d.Settings)
	if err == nil && ref == "" {
		err = &RemoteSubmissionError{Message: "remote service returned no output"}
	}
	if err != nil {
		if IsRateLimited(err) {
			taskRateLimited.Inc()
			log.WithError(err).Warn("task rate limited")
		} else {
			log.WithError(err).Error("task failed")
		}
		return failed(d, err)
	}

	log.WithFields(logrus.Fields{
		"url":      ref,
		"duration": time.Since(start).String(),
	}).Info("task succeeded")
	return Outcome{
		TaskID:    d.ID,
		Index:     d.Index,
		Status:    StatusSucceeded,
		ResultRef: ref,
	}
}

// postProcess unpacks ZIP results of succeeded tasks. Extraction failures,
// panics included, leave the outcome as it was.
func (s *Scheduler) postProcess(ctx context.Context, d Descriptor, out Outcome) (result Outcome) {
	if !out.Succeeded() || !d.Settings.ReturnZip || s.extractor == nil {
		return out
	}
	log := s.log.WithFields(logrus.Fields{"task_id": d.ID, "index": d.Index})
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("archive extraction panicked, keeping the archive result")
			result = out
		}
	}()

	report, err := s.extractor.Extract(ctx, out.ResultRef)
	if err != nil {
		log.WithError(err).Warn("archive extraction failed, keeping the archive result")
		return out
	}
	out.Archive = report
	return out
}

func (s *Scheduler) notifyLaunched(d Descriptor) {
	if s.observer == nil {
		return
	}
	defer s.recoverObserver(d, "launched")
	s.observer.TaskLaunched(d)
}

func (s *Scheduler) notifySettled(d Descriptor, o Outcome) {
	if s.observer == nil {
		return
	}
	defer s.recoverObserver(d, "settled")
	s.observer.TaskSettled(d, o)
}

func (s *Scheduler) recoverObserver(d Descriptor, event string) {
	if r := recover(); r != nil {
		s.log.WithFields(logrus.Fields{
			"task_id": d.ID,
			"event":   event,
			"panic":   r,
		}).Error("observer panicked")
	}
}

func failed(d Descriptor, err error) Outcome {
	return Outcome{
		TaskID: d.ID,
		Index:  d.Index,
		Status: StatusFailed,
		Error:  err.Error(),
		Err:    err,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// slotSet holds the in-flight tasks of one RunBatch call. Only the
// goroutine driving the batch touches handles; task goroutines report
// settlement through the buffered settled channel, once each.
type slotSet struct {
	handles map[int]struct{}
	settled chan int
}

func newSlotSet(size int) *slotSet {
	return &slotSet{
		handles: make(map[int]struct{}, size),
		settled: make(chan int, size),
	}
}

func (s *slotSet) add(i int) {
	s.handles[i] = struct{}{}
}

// release is called by the task goroutine when it settles.
func (s *slotSet) release(i int) {
	s.settled <- i
}

func (s *slotSet) remove(i int) {
	if _, ok := s.handles[i]; !ok {
		panic(fmt.Sprintf("task slot %d removed twice", i))
	}
	delete(s.handles, i)
}

func (s *slotSet) size() int { return len(s.handles) }

// acquire returns once fewer than limit tasks are in flight.
func (s *slotSet) acquire(ctx context.Context, limit int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.reap()
	for s.size() >= limit {
		select {
		case i := <-s.settled:
			s.remove(i)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// reap removes every task that has already settled, without blocking.
func (s *slotSet) reap() {
	for {
		select {
		case i := <-s.settled:
			s.remove(i)
		default:
			return
		}
	}
}

func (s *slotSet) drain() {
	for s.size() > 0 {
		s.remove(<-s.settled)
	}
}
