package model

import (
	"log/slog"
	"path"
	"time"
)

// State of a job. Transitions only move forward, see CanTransition.
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

var transitions = map[State][]State{
	StatePending:     {StateDownloading, StateCancelled, StateFailed},
	StateDownloading: {StateCompleted, StateFailed, StateCancelled},
}

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state graph has an edge s -> to.
// Terminal states have no outgoing edges.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Stage is the progress stage reported by the download tool.
type Stage string

const (
	StageQueued      Stage = "queued"
	StageExtracting  Stage = "extracting"
	StageDownloading Stage = "downloading"
	StageMerging     Stage = "merging"
	StageConverting  Stage = "converting"
	StageFinalizing  Stage = "finalizing"
	StageDone        Stage = "done"
)

// Job is the internal record of a download. Request and Client are never
// exposed, use View for anything leaving the process.
type Job struct {
	ID         string
	State      State
	Stage      Stage
	Percent    float64
	Fragment   int
	Fragments  int
	Request    ValidatedRequest
	Client     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      *ErrorSummary

	// set for completed jobs only
	OutputPath  string // relative to the storage root: <id>/<name>
	ContentType string
	Size        int64

	RetentionDeadline time.Time
}

func (j Job) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", j.ID),
		slog.String("state", string(j.State)),
		slog.String("stage", string(j.Stage)),
		slog.Any("request", j.Request),
	)
}

// JobView is the sanitized projection of a Job returned to callers.
type JobView struct {
	ID                string        `json:"job_id"`
	State             State         `json:"state"`
	Stage             Stage         `json:"stage"`
	Percent           float64       `json:"percent"`
	Fragment          int           `json:"fragment,omitempty"`
	Fragments         int           `json:"fragments,omitempty"`
	Error             *ErrorSummary `json:"error,omitempty"`
	FileAvailable     bool          `json:"file_available"`
	FileName          string        `json:"file_name,omitempty"`
	ContentType       string        `json:"content_type,omitempty"`
	Size              int64         `json:"size,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty"`
	RetentionDeadline *time.Time    `json:"retention_deadline,omitempty"`
}

func (j Job) View() JobView {
	v := JobView{
		ID:        j.ID,
		State:     j.State,
		Stage:     j.Stage,
		Percent:   j.Percent,
		Fragment:  j.Fragment,
		Fragments: j.Fragments,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
	if j.Error != nil {
		e := *j.Error
		e.Message = SanitizeMessage(e.Message)
		v.Error = &e
	}
	if j.State == StateCompleted && j.OutputPath != "" {
		v.FileAvailable = true
		v.FileName = OutputName(j.OutputPath)
		v.ContentType = j.ContentType
		v.Size = j.Size
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		v.FinishedAt = &t
	}
	if !j.RetentionDeadline.IsZero() {
		t := j.RetentionDeadline
		v.RetentionDeadline = &t
	}
	return v
}

// OutputName returns the base name of an output path
func OutputName(outputPath string) string {
	return path.Base(outputPath)
}
