package domain

import "time"

// RunningTestInfo is the per-workspace index entry for an in-flight job.
type RunningTestInfo struct {
	JobID      string `json:"jobId"`
	SourceName string `json:"sourceName"`
	CreatedAt  string `json:"createdAt"`
	Status     Status `json:"status"`
}

// RunningInfo returns the index entry announced with the job.
func (j Job) RunningInfo() RunningTestInfo {
	return RunningTestInfo{
		JobID:      j.ID.String(),
		SourceName: j.Params.SourceName,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339Nano),
		Status:     j.Status,
	}
}
