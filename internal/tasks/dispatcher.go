package tasks

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultGraceWindow  = 6 * time.Hour

	// DefaultMaxStartingDuration bounds how long a claimed task may poll
	// its blockage cause before it fails with a starting timeout.
	DefaultMaxStartingDuration = 5 * time.Second

	blockagePollInterval = 500 * time.Millisecond
)

// Handler executes one named task kind.
type Handler interface {
	Name() string
	Run(ctx context.Context, db *gorm.DB, task *models.Task) error
}

// Blocker is implemented by handlers whose tasks must wait for a condition
// before running. A non-empty cause keeps the task in STARTED; the empty
// string releases it to RUNNING.
type Blocker interface {
	BlockageCause(db *gorm.DB, task *models.Task) (string, error)
}

// SlowStarter overrides the starting window during which a blocked task
// polls its cause before failing with a starting timeout.
type SlowStarter interface {
	MaxStartingDuration() time.Duration
}

// Dispatcher pulls PENDING tasks out of the table and runs them on a fixed
// pool of workers. Claiming is a compare-and-swap on the state column, so
// any number of dispatcher processes may share one database.
type Dispatcher struct {
	db       *gorm.DB
	handlers map[string]Handler

	Workers      int
	PollInterval time.Duration

	// GraceWindow is how long a non-terminal task may go without a state
	// write before the reaper fails it. Covers workers that died mid-run.
	GraceWindow time.Duration

	Out io.Writer
}

// NewDispatcher returns a dispatcher with default pool settings.
func NewDispatcher(db *gorm.DB) *Dispatcher {
	return &Dispatcher{
		db:           db,
		handlers:     make(map[string]Handler),
		Workers:      8,
		PollInterval: defaultPollInterval,
		GraceWindow:  defaultGraceWindow,
		Out:          io.Discard,
	}
}

// Register adds a handler. Tasks whose name has no registered handler are
// left alone; another deployment may own them.
func (d *Dispatcher) Register(h Handler) {
	d.handlers[h.Name()] = h
}

// Handlers returns the registered handler names.
func (d *Dispatcher) Handlers() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Run blocks running the worker pool and the reaper until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.handlers) == 0 {
		return fmt.Errorf("tasks: dispatcher has no handlers")
	}
	fmt.Fprintf(d.Out, "Dispatcher starting (%d workers, poll every %s)...\n", d.Workers, d.PollInterval)

	var wg sync.WaitGroup
	for i := 0; i < d.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.workerLoop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reaperLoop(ctx)
	}()

	wg.Wait()
	fmt.Fprintf(d.Out, "Dispatcher stopped.\n")
	return nil
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := d.claimNext()
		if err != nil {
			log.Printf("tasks: worker %d claim error: %v", id, err)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.PollInterval):
			}
			continue
		}
		d.runTask(ctx, task)
	}
}

// claimNext picks the oldest runnable PENDING task and moves it to
// RECEIVED. The update is conditioned on the row still being PENDING, so
// two workers racing over the same row resolve by rows-affected.
func (d *Dispatcher) claimNext() (*models.Task, error) {
	names := d.Handlers()
	now := time.Now()

	var candidate models.Task
	result := d.db.
		Where("state = ? AND name IN ?", models.TaskStatePending, names).
		Where("eta IS NULL OR eta <= ?", now).
		Order("id ASC").
		Limit(1).
		Find(&candidate)
	if result.Error != nil {
		return nil, fmt.Errorf("tasks: find pending: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	claim := d.db.Model(&models.Task{}).
		Where("id = ? AND state = ?", candidate.ID, models.TaskStatePending).
		Updates(map[string]interface{}{"state": models.TaskStateReceived})
	if claim.Error != nil {
		return nil, fmt.Errorf("tasks: claim task %d: %w", candidate.ID, claim.Error)
	}
	if claim.RowsAffected == 0 {
		// Another worker won the row.
		return nil, nil
	}
	candidate.State = models.TaskStateReceived
	return &candidate, nil
}

func (d *Dispatcher) setState(task *models.Task, state string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"state": state}
	for k, v := range extra {
		updates[k] = v
	}
	if err := d.db.Model(&models.Task{}).Where("id = ?", task.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("tasks: set task %d to %s: %w", task.ID, state, err)
	}
	task.State = state
	return nil
}

func (d *Dispatcher) runTask(ctx context.Context, task *models.Task) {
	handler, ok := d.handlers[task.Name]
	if !ok {
		// Registration changed between claim and run. Put it back.
		if err := d.setState(task, models.TaskStatePending, nil); err != nil {
			log.Printf("tasks: unclaim %s: %v", task.TaskID, err)
		}
		return
	}

	if err := d.setState(task, models.TaskStateStarted, nil); err != nil {
		log.Printf("tasks: start %s: %v", task.TaskID, err)
		return
	}

	if blocker, ok := handler.(Blocker); ok {
		released, err := d.awaitRelease(ctx, blocker, handler, task)
		if err != nil {
			d.fail(task, err)
			return
		}
		if !released {
			// Shutting down mid-wait. Hand the claim back so the next
			// process picks the task up fresh.
			if err := d.setState(task, models.TaskStatePending, nil); err != nil {
				log.Printf("tasks: unclaim %s: %v", task.TaskID, err)
			}
			return
		}
	}

	if err := d.setState(task, models.TaskStateRunning, nil); err != nil {
		log.Printf("tasks: promote %s: %v", task.TaskID, err)
		return
	}

	fmt.Fprintf(d.Out, "Running %s (%s)\n", task.Name, task.TaskID)
	if err := handler.Run(ctx, d.db, task); err != nil {
		d.fail(task, err)
		return
	}
	if err := d.setState(task, models.TaskStateSuccess, nil); err != nil {
		log.Printf("tasks: finish %s: %v", task.TaskID, err)
	}
}

// awaitRelease polls the handler's blockage cause until it clears or the
// starting window runs out. A cause that outlasts the window is a
// starting-timeout error; (false, nil) means the context was cancelled
// while still blocked.
func (d *Dispatcher) awaitRelease(ctx context.Context, blocker Blocker, handler Handler, task *models.Task) (bool, error) {
	window := DefaultMaxStartingDuration
	if slow, ok := handler.(SlowStarter); ok {
		window = slow.MaxStartingDuration()
	}
	deadline := time.Now().Add(window)

	for {
		cause, err := blocker.BlockageCause(d.db, task)
		if err != nil {
			return false, fmt.Errorf("tasks: blockage cause of %s: %w", task.TaskID, err)
		}
		if cause == "" {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("tasks: starting timeout after %s: %s", window, cause)
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(blockagePollInterval):
		}
	}
}

func (d *Dispatcher) fail(task *models.Task, cause error) {
	log.Printf("tasks: %s (%s) failed: %v", task.Name, task.TaskID, cause)
	if err := d.setState(task, models.TaskStateFailure, map[string]interface{}{
		"result": cause.Error(),
	}); err != nil {
		log.Printf("tasks: record failure of %s: %v", task.TaskID, err)
	}
}

// reaperLoop periodically fails tasks that stopped making progress, which
// happens when a worker process dies holding a claim.
func (d *Dispatcher) reaperLoop(ctx context.Context) {
	interval := d.GraceWindow / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if err := d.ReapStuckTasks(); err != nil {
			log.Printf("tasks: reaper: %v", err)
		}
	}
}

// ReapStuckTasks fails every non-terminal task whose last state write is
// older than the grace window.
func (d *Dispatcher) ReapStuckTasks() error {
	cutoff := time.Now().Add(-d.GraceWindow)
	result := d.db.Model(&models.Task{}).
		Where("state IN ? AND time_updated < ?", models.TaskUnreadyStates, cutoff).
		Updates(map[string]interface{}{
			"state":  models.TaskStateFailure,
			"result": fmt.Sprintf("reaped after %s without progress", d.GraceWindow),
		})
	if result.Error != nil {
		return fmt.Errorf("tasks: reap: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		fmt.Fprintf(d.Out, "Reaped %d stuck tasks\n", result.RowsAffected)
	}
	return nil
}
