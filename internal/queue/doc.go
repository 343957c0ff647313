// Package queue holds the memory-resident, per-worker-class FIFO queues that
// pull workers long-poll. Each class has its own lock; a blocking dequeue
// registers a wake channel on every candidate class and sleeps until one of
// them receives a job, the timeout elapses, or the caller's context ends.
//
// Queue contents do not survive a restart. The durable job store is the source
// of truth and the recovery reconciler rebuilds the queues from it.
package queue
