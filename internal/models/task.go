package models

import "time"

// Task states. The names follow the usual distributed-task vocabulary:
// a task is published PENDING, picked up through RECEIVED and STARTED,
// promoted to RUNNING once its blockage cause clears, and terminates in
// one of the ready states.
const (
	TaskStatePending  = "PENDING"
	TaskStateReceived = "RECEIVED"
	TaskStateStarted  = "STARTED"
	TaskStateRunning  = "RUNNING"
	TaskStateSuccess  = "SUCCESS"
	TaskStateFailure  = "FAILURE"
	TaskStateRevoked  = "REVOKED"
	TaskStateRejected = "REJECTED"
	TaskStateRetry    = "RETRY"
)

// TaskReadyStates are the terminal states: once a task reaches one of
// these its state never changes again.
var TaskReadyStates = []string{
	TaskStateSuccess,
	TaskStateFailure,
	TaskStateRevoked,
	TaskStateRejected,
}

// TaskUnreadyStates are every non-terminal state.
var TaskUnreadyStates = []string{
	TaskStatePending,
	TaskStateReceived,
	TaskStateStarted,
	TaskStateRunning,
	TaskStateRetry,
}

// TaskPreRunningStates are the states before a task holds a worker slot.
// The ID-ordering synchronization scans these to find the front of the line.
var TaskPreRunningStates = []string{
	TaskStatePending,
	TaskStateReceived,
	TaskStateStarted,
	TaskStateRetry,
}

// Task is a durable record of one asynchronous unit of work. The monotonic
// integer ID doubles as the linearization point for synchronized tasks:
// publish order, not timestamps, decides who goes first.
type Task struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// TaskID is the external identifier, also used for SIDs in task args.
	TaskID string `gorm:"size:64;not null;uniqueIndex"`

	Name     string `gorm:"size:128;not null;index"`
	ArgsJSON string `gorm:"type:text"`
	State    string `gorm:"size:16;not null;default:PENDING;index"`

	// Result carries the error text of a failed task, empty otherwise.
	Result string `gorm:"type:text"`

	// Provenance tree, used only for display.
	RootID   string `gorm:"size:64;index"`
	ParentID string `gorm:"size:64;index"`
	GroupID  string `gorm:"size:64;index"`

	// ETA delays pickup: the dispatcher ignores the task until this time.
	ETA *time.Time `gorm:"index"`

	TimePublished time.Time `gorm:"autoCreateTime"`
	TimeUpdated   time.Time `gorm:"autoUpdateTime;index"`
}

// Ref returns the holder reference for this task.
func (t *Task) Ref() Ref {
	return Ref{Kind: HolderTask, ID: t.ID}
}

// Ready reports whether the task reached a terminal state.
func (t *Task) Ready() bool {
	return TaskStateReady(t.State)
}

// TaskStateReady reports whether state is terminal.
func TaskStateReady(state string) bool {
	for _, s := range TaskReadyStates {
		if s == state {
			return true
		}
	}
	return false
}
