package tasks

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
)

// ArgsMatcher decides whether another task's arguments put it in the same
// synchronization domain. A nil matcher means every same-name task competes.
type ArgsMatcher func(args map[string]interface{}) bool

// MatchArg returns a matcher selecting tasks whose named argument equals
// value. Used to serialize per-resource work, e.g. cleanups of one item.
func MatchArg(key string, value interface{}) ArgsMatcher {
	return func(args map[string]interface{}) bool {
		return args[key] == value
	}
}

// SynchronizedBlockageCause keeps same-name tasks running one at a time in
// publish order: a task is blocked while any competitor with a smaller row
// ID has not reached a terminal state. Because row IDs are assigned at
// publish, this turns "who published first" into a total order with no
// clock involved.
func SynchronizedBlockageCause(db *gorm.DB, task *models.Task, match ArgsMatcher) (string, error) {
	var earlier []models.Task
	err := db.
		Where("name = ? AND id < ? AND state IN ?", task.Name, task.ID, models.TaskUnreadyStates).
		Order("id ASC").
		Find(&earlier).Error
	if err != nil {
		return "", fmt.Errorf("tasks: competitors of %s: %w", task.TaskID, err)
	}

	for i := range earlier {
		competitor := &earlier[i]
		if match != nil {
			args, err := Args(competitor)
			if err != nil {
				return "", err
			}
			if !match(args) {
				continue
			}
		}
		return fmt.Sprintf("waiting for earlier %s task %s", competitor.Name, competitor.TaskID), nil
	}
	return "", nil
}

// ThrottledBlockageCause caps concurrency for a task name: the task is
// blocked while max or more same-name tasks are already RUNNING. The
// count-then-run window can briefly admit one extra task; the cap is a
// pressure valve, not an invariant.
func ThrottledBlockageCause(db *gorm.DB, task *models.Task, max int) (string, error) {
	var running int64
	err := db.Model(&models.Task{}).
		Where("name = ? AND id != ? AND state = ?", task.Name, task.ID, models.TaskStateRunning).
		Count(&running).Error
	if err != nil {
		return "", fmt.Errorf("tasks: running count of %s: %w", task.Name, err)
	}
	if running >= int64(max) {
		return fmt.Sprintf("%d %s tasks already running (max %d)", running, task.Name, max), nil
	}
	return "", nil
}

// HasUnreadyTask reports whether any non-terminal task with the given name
// and matching arguments exists. The scheduler uses this to avoid stacking
// duplicate work for the same order.
func HasUnreadyTask(db *gorm.DB, name string, match ArgsMatcher) (bool, error) {
	var candidates []models.Task
	err := db.
		Where("name = ? AND state IN ?", name, models.TaskUnreadyStates).
		Find(&candidates).Error
	if err != nil {
		return false, fmt.Errorf("tasks: unready %s tasks: %w", name, err)
	}
	if match == nil {
		return len(candidates) > 0, nil
	}
	for i := range candidates {
		args, err := Args(&candidates[i])
		if err != nil {
			return false, err
		}
		if match(args) {
			return true, nil
		}
	}
	return false, nil
}
