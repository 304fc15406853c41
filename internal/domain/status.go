package domain

type Status string

const (
	StatusPending          Status = "PENDING"
	StatusAssigned         Status = "ASSIGNED"
	StatusLoading          Status = "LOADING"
	StatusRunning          Status = "RUNNING"
	StatusFailed           Status = "FAILED"
	StatusSuccess          Status = "SUCCESS"
	StatusCompletedSuccess Status = "COMPLETED_SUCCESS"
	StatusCompletedFailure Status = "COMPLETED_FAILURE"

	// StatusCompletedFailed is an older spelling some fleet versions still send.
	StatusCompletedFailed Status = "COMPLETED_FAILED"
)

// IsTerminal reports whether no further progress is expected for the job.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompletedSuccess, StatusCompletedFailure, StatusCompletedFailed:
		return true
	}
	return false
}

// IsSuccess reports whether s is the successful terminal status.
func (s Status) IsSuccess() bool {
	return s == StatusCompletedSuccess
}
