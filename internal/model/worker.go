package model

// WorkerState is the lifecycle state of a pool worker.
type WorkerState string

// Worker state constants.
const (
	WorkerInitializing WorkerState = "initializing"
	WorkerIdle         WorkerState = "idle"
	WorkerBusy         WorkerState = "busy"
	WorkerError        WorkerState = "error"
	WorkerShutdown     WorkerState = "shutdown"
)

func (s WorkerState) String() string {
	return string(s)
}

// Isolation mode constants.
const (
	IsolationGoroutine = "goroutine"
	IsolationProcess   = "process"
	IsolationAuto      = "auto"
)

// validWorkerTransitions maps each state to the states it may move to.
// Error and Shutdown are reachable from every live state.
var validWorkerTransitions = map[WorkerState]map[WorkerState]bool{
	WorkerInitializing: {
		WorkerIdle:     true,
		WorkerError:    true,
		WorkerShutdown: true,
	},
	WorkerIdle: {
		WorkerBusy:     true,
		WorkerError:    true,
		WorkerShutdown: true,
	},
	WorkerBusy: {
		WorkerIdle:     true,
		WorkerError:    true,
		WorkerShutdown: true,
	},
	WorkerError: {
		WorkerShutdown: true,
	},
}

// ValidWorkerTransition reports whether a worker may move from one state to another.
func ValidWorkerTransition(from, to WorkerState) bool {
	targets, ok := validWorkerTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// WorkerStats accumulates the work a single worker has completed.
type WorkerStats struct {
	TasksProcessed    int     `json:"tasksProcessed"`
	ItemsProcessed    int     `json:"itemsProcessed"`
	TotalProcessingMS float64 `json:"totalProcessingTimeMs"`
}

// AverageProcessingMS is the mean processing time per item, or 0 before any
// item has been processed.
func (s WorkerStats) AverageProcessingMS() float64 {
	if s.ItemsProcessed == 0 {
		return 0
	}
	return s.TotalProcessingMS / float64(s.ItemsProcessed)
}

// PoolStats is a read-only snapshot of a worker pool.
type PoolStats struct {
	WorkerCount             int     `json:"workerCount"`
	TotalTasksProcessed     int     `json:"totalTasksProcessed"`
	TotalFilesProcessed     int     `json:"totalFilesProcessed"`
	TotalProcessingTimeMS   float64 `json:"totalProcessingTimeMs"`
	AverageProcessingTimeMS float64 `json:"averageProcessingTimeMs"`
	QueuedTasks             int     `json:"queuedTasks"`
	AvailableWorkers        int     `json:"availableWorkers"`
}
