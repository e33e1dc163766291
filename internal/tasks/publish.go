// Package tasks implements the durable task substrate: publishing rows into
// the tasks table and dispatching them to handlers from a worker pool. Every
// asynchronous hand-off in Bodega goes through here, so scheduler runs,
// cleanup sweeps, and item creations all survive a process restart.
package tasks

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
)

// Signature describes one task to publish: a registered handler name plus
// its arguments. ETA, when set, delays pickup until that time.
type Signature struct {
	Name string
	Args map[string]interface{}
	ETA  *time.Time
}

// newTaskID returns a random external task identifier.
func newTaskID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("tasks: read random: %v", err))
	}
	return hex.EncodeToString(buf)
}

func buildTask(sig Signature) (*models.Task, error) {
	if sig.Name == "" {
		return nil, fmt.Errorf("tasks: signature has no name")
	}
	args := sig.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("tasks: marshal args for %s: %w", sig.Name, err)
	}
	id := newTaskID()
	return &models.Task{
		TaskID:   id,
		Name:     sig.Name,
		ArgsJSON: string(encoded),
		State:    models.TaskStatePending,
		RootID:   id,
		ETA:      sig.ETA,
	}, nil
}

// Publish inserts a new PENDING task. The returned row carries the
// autoincrement ID that fixes the task's place in every synchronization
// order, so publish-then-read races resolve by ID, not by clock.
func Publish(db *gorm.DB, sig Signature) (*models.Task, error) {
	task, err := buildTask(sig)
	if err != nil {
		return nil, err
	}
	if err := db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("tasks: publish %s: %w", sig.Name, err)
	}
	return task, nil
}

// PublishFrom inserts a new PENDING task as a child of parent, inheriting
// the parent's root for provenance display.
func PublishFrom(db *gorm.DB, parent *models.Task, sig Signature) (*models.Task, error) {
	task, err := buildTask(sig)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		task.ParentID = parent.TaskID
		task.RootID = parent.RootID
		if task.RootID == "" {
			task.RootID = parent.TaskID
		}
	}
	if err := db.Create(task).Error; err != nil {
		return nil, fmt.Errorf("tasks: publish %s: %w", sig.Name, err)
	}
	return task, nil
}

// PublishGroup inserts all signatures as PENDING tasks sharing one group
// ID. Ordering within the group still follows the autoincrement IDs.
func PublishGroup(db *gorm.DB, sigs []Signature) ([]models.Task, error) {
	if len(sigs) == 0 {
		return nil, nil
	}
	groupID := newTaskID()
	published := make([]models.Task, 0, len(sigs))
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, sig := range sigs {
			task, err := buildTask(sig)
			if err != nil {
				return err
			}
			task.GroupID = groupID
			if err := tx.Create(task).Error; err != nil {
				return fmt.Errorf("tasks: publish %s in group: %w", sig.Name, err)
			}
			published = append(published, *task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// DecodeArgs unmarshals a task's arguments into v.
func DecodeArgs(task *models.Task, v interface{}) error {
	if task.ArgsJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(task.ArgsJSON), v); err != nil {
		return fmt.Errorf("tasks: decode args of %s: %w", task.Name, err)
	}
	return nil
}

// Args returns a task's arguments as a generic map.
func Args(task *models.Task) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if err := DecodeArgs(task, &args); err != nil {
		return nil, err
	}
	return args, nil
}
