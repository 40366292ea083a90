package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusPaused, JobStatusCompleted, JobStatusFailed},
	JobStatusPaused:  {JobStatusRunning, JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal states have no outgoing edges.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type JobMode string

const (
	JobModeFast    JobMode = "fast"
	JobModeEconomy JobMode = "economy"
)

func ParseJobMode(s string) (JobMode, error) {
	switch JobMode(s) {
	case JobModeFast, JobModeEconomy:
		return JobMode(s), nil
	case "":
		return JobModeFast, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

type BatchJob struct {
	ID              string
	UserID          string
	ShootID         string
	ProviderID      string
	PromptPresetID  string
	Prompt          string
	Mode            JobMode
	Status          JobStatus
	TotalImages     int
	ProcessedImages int
	CostInCredits   *int64
	ErrorMessage    *string
	RetryCount      int
	ProviderBatchID *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Progress returns processed/total in [0,1].
func (j BatchJob) Progress() float64 {
	if j.TotalImages <= 0 {
		return 0
	}
	return float64(j.ProcessedImages) / float64(j.TotalImages)
}

func (j BatchJob) Error() string {
	if j.ErrorMessage == nil {
		return ""
	}
	return *j.ErrorMessage
}

// ImageRef points at one image of a job, either a caller supplied URL or an
// object the API stored on upload.
type ImageRef struct {
	ID        string `json:"id"`
	URL       string `json:"url,omitempty"`
	ObjectKey string `json:"objectKey,omitempty"`
	MIMEType  string `json:"mimeType,omitempty"`
}
