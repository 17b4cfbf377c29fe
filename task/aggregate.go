package task

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Recorder persists batch records. history.Store implements it.
type Recorder interface {
	Append(rec BatchRecord) (BatchRecord, error)
}

// Aggregate builds the history record of a settled batch. outcomes must be
// aligned with tasks, as returned by RunBatch.
func Aggregate(tasks []Descriptor, outcomes []Outcome) (BatchRecord, error) {
	if len(tasks) != len(outcomes) {
		return BatchRecord{}, fmt.Errorf("aggregate: %d tasks but %d outcomes", len(tasks), len(outcomes))
	}

	rec := BatchRecord{
		Inputs:    make([]string, len(tasks)),
		Outputs:   make([]*string, len(tasks)),
		Timestamp: time.Now().UTC(),
	}
	if len(tasks) > 0 {
		rec.Config = tasks[0].Settings
	}
	for i, t := range tasks {
		rec.Inputs[i] = t.SourceRef
		if outcomes[i].Succeeded() {
			ref := outcomes[i].ResultRef
			rec.Outputs[i] = &ref
		}
	}
	return rec, nil
}

// Persist appends rec when at least one task produced an output. A batch
// with no output is dropped without error.
func Persist(rec BatchRecord, recorder Recorder) (BatchRecord, bool, error) {
	if !rec.HasOutput() {
		logrus.WithField("inputs", len(rec.Inputs)).Info("no task succeeded, batch not saved to history")
		return rec, false, nil
	}
	saved, err := recorder.Append(rec)
	if err != nil {
		logrus.WithError(err).Error("failed to save batch history")
		return rec, false, err
	}
	batchesPersisted.Inc()
	return saved, true, nil
}
