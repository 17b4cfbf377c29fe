package task

import (
	"time"

	"sam3web/archive"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Settings are shared by every task of one batch. Each Descriptor holds
// its own copy.
type Settings struct {
	Prompt      string  `json:"prompt" validate:"required"`
	MaskColor   string  `json:"mask_color"`
	MaskOpacity float64 `json:"mask_opacity" validate:"gte=0,lte=1"`
	MaskOnly    bool    `json:"mask_only"`
	ReturnZip   bool    `json:"return_zip"`
}

// Entry is one video row as declared by the operator.
type Entry struct {
	Index     int    `json:"index"`
	SourceRef string `json:"video"`
	Label     string `json:"label,omitempty"`
}

// Descriptor is an immutable unit of work: one video under the batch settings.
type Descriptor struct {
	ID        string   `json:"id"`
	Index     int      `json:"index"`
	SourceRef string   `json:"video"`
	Label     string   `json:"label,omitempty"`
	Settings  Settings `json:"settings"`
}

// Outcome is the terminal result of one task.
type Outcome struct {
	TaskID    string          `json:"taskId"`
	Index     int             `json:"index"`
	Status    Status          `json:"status"`
	ResultRef string          `json:"url,omitempty"`
	Error     string          `json:"error,omitempty"`
	Archive   *archive.Report `json:"archive,omitempty"`
	Err       error           `json:"-"`
}

func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

// BatchRecord is the history entry written once a batch settles.
// Outputs[i] is nil when Inputs[i] failed.
type BatchRecord struct {
	ID        string    `json:"id,omitempty"`
	Config    Settings  `json:"config"`
	Inputs    []string  `json:"inputVideo"`
	Outputs   []*string `json:"outputVideo"`
	Timestamp time.Time `json:"timestamp"`
}

// HasOutput reports whether at least one task produced a result.
func (r BatchRecord) HasOutput() bool {
	for _, o := range r.Outputs {
		if o != nil {
			return true
		}
	}
	return false
}
