package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JobOutcome enumerates how a delivered job message was settled.
type JobOutcome string

const (
	JobOutcomeSucceeded  JobOutcome = "succeeded"
	JobOutcomeRequeued   JobOutcome = "requeued"
	JobOutcomeRejected   JobOutcome = "rejected"
	JobOutcomeDuplicate  JobOutcome = "duplicate"
	JobOutcomeMalformed  JobOutcome = "malformed"
	JobOutcomePublishErr JobOutcome = "publish_failed"
)

// Job is the message a producer enqueues for the detection worker.
type Job struct {
	Bucket string  `json:"bucket"`
	Key    string  `json:"key"`
	ChatID string  `json:"chatId"`
	JobID  *string `json:"jobId,omitempty"`
}

// ParseJob decodes a job message body. Unknown fields are ignored; bucket,
// key and chatId must be present and non-blank.
func ParseJob(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Validate reports whether the job carries every field the worker needs.
func (j Job) Validate() error {
	switch {
	case strings.TrimSpace(j.Bucket) == "":
		return fmt.Errorf("%w: bucket is required", ErrInvalidJob)
	case strings.TrimSpace(j.Key) == "":
		return fmt.Errorf("%w: key is required", ErrInvalidJob)
	case strings.TrimSpace(j.ChatID) == "":
		return fmt.Errorf("%w: chatId is required", ErrInvalidJob)
	}
	return nil
}

// CorrelationID returns the job id or an empty string when the producer did not send one.
func (j Job) CorrelationID() string {
	if j.JobID == nil {
		return ""
	}
	return *j.JobID
}

// Result is published back to the result exchange once a job completes.
// JobID is echoed as null when the job carried none.
type Result struct {
	PredictionUID      string   `json:"prediction_uid"`
	DetectionCount     int      `json:"detection_count"`
	Labels             []string `json:"labels"`
	TimeTook           float64  `json:"time_took"`
	PredictedObjectKey string   `json:"predicted_s3_key"`
	JobID              *string  `json:"jobId"`
	ChatID             string   `json:"chatId"`
}

// ForJob copies the correlation fields of job into the result.
func (r Result) ForJob(job Job) Result {
	r.JobID = job.JobID
	r.ChatID = job.ChatID
	if r.Labels == nil {
		r.Labels = []string{}
	}
	return r
}
