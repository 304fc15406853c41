package redisbus

// Channels and keys shared with the execution fleet.
const (
	ExecutionChannel    = "orchestrator:execution"
	ExecutionHistoryKey = "orchestrator:executionHistory"

	OrchestratorsKey  = "orchestrators"
	WorkersKey        = "workers"
	LoadZonesKey      = "loadZones"
	MasterInfoKey     = "orchestrator:master:info"
	updatesChannelFmt = "orchestrator:executionUpdates:"
)

// UpdatesChannel is the live progress channel of a job.
func UpdatesChannel(jobID string) string {
	return updatesChannelFmt + jobID
}

// UpdatesKey is the hash holding every envelope published for a job.
func UpdatesKey(jobID string) string {
	return jobID + ":updates"
}

// JobKey is the hash holding a job's fields.
func JobKey(jobID string) string {
	return jobID
}

// WorkspaceKey is the core-cache hash indexing a scope's running tests.
func WorkspaceKey(scopeID string) string {
	return "workspace:" + scopeID
}

// JobScopeKey is the core-cache key mapping a job to its owning scope.
func JobScopeKey(jobID string) string {
	return "jobScopeId:" + jobID
}

func OrchestratorInfoKey(id string) string {
	return "orchestrator:" + id + ":info"
}

func WorkerInfoKey(id string) string {
	return "worker:" + id + ":info"
}

func LoadZoneInfoKey(name string) string {
	return "loadZone:" + name + ":info"
}
