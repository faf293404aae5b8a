package quota

const (
	operationReserve = "reserve"
	operationCommit  = "commit"
	operationRelease = "release"
	operationSweep   = "sweep_stale"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	sweepBatchSize = 100
)
