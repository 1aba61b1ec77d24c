// Package jobs tracks batch rewrite jobs: one job per submission, one item per
// source image. A job is created on submission, mutated only by the worker
// that owns it and read by status queries.
package jobs

import (
	"time"

	"github.com/menta2k/backdrop/pkg/types"
)

// ItemStatus is the state of one source image
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Status is the state of a whole job
type Status string

const (
	StatusProcessing    Status = "processing"
	StatusCompleted     Status = "completed"
	StatusPartialFailed Status = "partial_failed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// Item is one source image of a job
type Item struct {
	Index  int           `json:"index"`
	Source string        `json:"source,omitempty"`
	Status ItemStatus    `json:"status"`
	Error  string        `json:"error,omitempty"`
	Result *types.Result `json:"result,omitempty"`
}

// Job is the persisted record of a submission
type Job struct {
	ID          string              `json:"id"`
	Status      Status              `json:"status"`
	Engine      types.EngineKind    `json:"engine"`
	Brief       types.Brief         `json:"brief"`
	Variants    []types.VariantName `json:"variants"`
	Total       int                 `json:"total"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Progress    float64             `json:"progress"`
	Items       []Item              `json:"items"`
	Manifest    string              `json:"manifest,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// NewJob creates a processing job with one pending item per source
func NewJob(id string, sources []string, brief types.Brief, variants []types.VariantName, now time.Time) *Job {
	j := &Job{
		ID:        id,
		Status:    StatusProcessing,
		Brief:     brief,
		Variants:  variants,
		Total:     len(sources),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for i, src := range sources {
		j.Items = append(j.Items, Item{Index: i, Source: src, Status: ItemPending})
	}
	return j
}

// Recompute refreshes the counters and derives the job status from its items.
// A cancelled job keeps its status.
func (j *Job) Recompute(now time.Time) {
	var completed, failed, open int
	for _, it := range j.Items {
		switch it.Status {
		case ItemCompleted:
			completed++
		case ItemFailed:
			failed++
		default:
			open++
		}
	}
	j.Total = len(j.Items)
	j.Completed = completed
	j.Failed = failed
	j.Progress = 0
	if j.Total > 0 {
		j.Progress = float64(completed+failed) / float64(j.Total)
	}
	j.UpdatedAt = now

	if j.Status == StatusCancelled {
		return
	}
	if open > 0 {
		j.Status = StatusProcessing
		j.CompletedAt = nil
		return
	}
	switch {
	case completed == j.Total:
		j.Status = StatusCompleted
	case completed > 0:
		j.Status = StatusPartialFailed
	default:
		j.Status = StatusFailed
	}
	j.CompletedAt = &now
}

// Cancel marks the job cancelled
func (j *Job) Cancel(now time.Time) {
	j.Status = StatusCancelled
	j.UpdatedAt = now
	j.CompletedAt = &now
}

// Terminal reports whether the job will not change any more
func (j *Job) Terminal() bool {
	return j.Status != StatusProcessing
}

// SetItem applies a finished pipeline run to its item
func (j *Job) SetItem(index int, res *types.Result, err error) {
	if index < 0 || index >= len(j.Items) {
		return
	}
	it := &j.Items[index]
	it.Result = res
	switch {
	case err != nil:
		it.Status = ItemFailed
		it.Error = err.Error()
	case res == nil || len(res.Artifacts) == 0:
		it.Status = ItemFailed
		it.Error = "no variant produced an artifact"
	default:
		it.Status = ItemCompleted
		it.Error = ""
	}
}
