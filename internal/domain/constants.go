package domain

import "time"

// Job state names derived from the job record's timestamps
const (
	JobStatePending   = "PENDING"
	JobStateStarted   = "STARTED"
	JobStateCompleted = "COMPLETED"
	JobStateFailed    = "FAILED"
)

const (
	// RankWorkerClass is the default class of the follow-on job created by fan-in
	RankWorkerClass = "rank"

	// DefaultRetryLimit is the number of failures a job may accumulate and still be retried
	DefaultRetryLimit = 3

	// DefaultStaleAfter is how long a started job may run before it is treated as lost
	DefaultStaleAfter = 5 * time.Minute

	// DefaultDequeueTimeout bounds a long-poll pull
	DefaultDequeueTimeout = 30 * time.Second

	// SystemCreator is recorded as CreatedBy on jobs synthesized by fan-in
	SystemCreator = "system"
)
