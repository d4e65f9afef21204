package stats

// Metric names. Receivers are scoped by component ("remote", "jobsdb", "job")
// and, where it applies, by system name.
const (
	/************************* remote execution **************************/
	// commands issued, including retries
	RemoteCommandCounter = "commandCounter"
	// retries after a transient failure
	RemoteRetryCounter = "retryCounter"
	// commands that failed permanently (retries exhausted or auth failure)
	RemoteFailureCounter = "failureCounter"
	// wall time of one command attempt
	RemoteCommandLatency_ms = "commandLatency_ms"

	/************************* job database **************************/
	// lock acquisitions
	DBLockAcquiredCounter = "lockAcquiredCounter"
	// lock acquisitions that gave up
	DBLockTimeoutCounter = "lockTimeoutCounter"
	// time spent waiting for the lock
	DBLockWaitLatency_ms = "lockWaitLatency_ms"
	// time the lock was held
	DBLockHoldLatency_ms = "lockHoldLatency_ms"
	// rejected status transitions
	DBStateConflictCounter = "stateConflictCounter"

	/************************* orchestration **************************/
	// new submissions
	JobSubmittedCounter = "submittedCounter"
	// starts that reattached to an existing record
	JobReattachedCounter = "reattachedCounter"
	// submissions that failed
	JobSubmitFailedCounter = "submitFailedCounter"
	// scheduler status queries
	JobStatusQueryCounter = "statusQueryCounter"
	// status lookups served from the batch snapshot
	JobStatusCacheHitCounter = "statusCacheHitCounter"
	// jobs found done, failed and died
	JobDoneCounter   = "doneCounter"
	JobFailedCounter = "failedCounter"
	JobDiedCounter   = "diedCounter"
	// end to end submit time (stage out + scheduler submit)
	JobSubmitLatency_ms = "submitLatency_ms"
)
