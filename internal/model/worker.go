package model

// WorkerState is the lifecycle state of a worker process.
type WorkerState string

// Worker states.
const (
	WorkerSpawning   WorkerState = "spawning"
	WorkerIdle       WorkerState = "idle"
	WorkerBusy       WorkerState = "busy"
	WorkerTerminated WorkerState = "terminated"
)

var workerTransitions = map[WorkerState]map[WorkerState]bool{
	WorkerSpawning: {WorkerIdle: true, WorkerTerminated: true},
	WorkerIdle:     {WorkerBusy: true, WorkerTerminated: true},
	WorkerBusy:     {WorkerIdle: true, WorkerTerminated: true},
}

// ValidWorkerTransition reports whether a worker may move from one state to
// another. Terminated is final.
func ValidWorkerTransition(from, to WorkerState) bool {
	return workerTransitions[from][to]
}
