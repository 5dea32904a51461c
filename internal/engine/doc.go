// Package engine provides the worker pool. A Pool owns a fixed set of
// Workers, each bound to one isolated unit started through a
// backend.Spawner. Submissions are partitioned into batches, queued, and
// dispatched to idle workers in waves until the queue drains.
package engine
