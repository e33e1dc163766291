// Package legacy ships the testbed item type: static lab inventory that is
// not created on demand but recovered between holders by dispatching a
// GitHub Actions workflow and watching its runs.
package legacy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

// RecoveryTimeLimit bounds one recovery attempt. An attempt still running
// past this is written off and a fresh one dispatched.
const RecoveryTimeLimit = 4 * time.Hour

// Recovery outcome of a workflow run.
const (
	statusSuccess = "SUCCESS"
	statusFailure = "FAILURE"
	statusWaiting = "WAITING"
)

// platformWorkflows maps a testbed platform to the workflow file that
// recovers it. Platforms missing here cannot be recovered.
var platformWorkflows = map[string]string{
	"aws":     "recover-aws-testbed.yml",
	"dynapod": "recover-dynapod.yml",
	"static":  "recover-static-testbed.yml",
}

// platformPrices carries the relative scarcity of each platform. Unknown
// platforms price like the cheap ones.
var platformPrices = map[string]float64{
	"aws":     1.0,
	"dynapod": 0.1,
	"static":  0.1,
}

const defaultPrice = 0.1

// actionsClient is the slice of the GitHub Actions API the manager uses.
// *github.ActionsService satisfies it; tests substitute a mock.
type actionsClient interface {
	CreateWorkflowDispatchEventByFileName(ctx context.Context, owner, repo, workflowFileName string, event github.CreateWorkflowDispatchEventRequest) (*github.Response, error)
	ListWorkflowRunsByFileName(ctx context.Context, owner, repo, workflowFileName string, opts *github.ListWorkflowRunsOptions) (*github.WorkflowRuns, *github.Response, error)
}

// TestbedAttrs is the attribute table of the testbed item type. AttemptID
// and TimeAttemptStarted track the recovery attempt currently in flight.
type TestbedAttrs struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	ItemID uint64 `gorm:"not null;uniqueIndex"`

	Filename string `gorm:"size:255"`
	Platform string `gorm:"size:64"`

	AttemptID          string `gorm:"size:64;index"`
	TimeAttemptStarted *time.Time
}

// Manager drives the testbed item type.
type Manager struct {
	registry.Defaults

	actions actionsClient
	codec   *sid.Codec
	owner   string
	repo    string
	out     io.Writer
	now     func() time.Time
}

// Opts configures a Manager. Actions, when set, replaces the real GitHub
// client; otherwise Token is required.
type Opts struct {
	Owner   string
	Repo    string
	Token   string
	Codec   *sid.Codec
	Actions actionsClient
	Out     io.Writer
}

// New builds a testbed Manager.
func New(ctx context.Context, opts Opts) (*Manager, error) {
	if opts.Owner == "" || opts.Repo == "" {
		return nil, fmt.Errorf("legacy: github owner and repo are required")
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	actions := opts.Actions
	if actions == nil {
		if opts.Token == "" {
			return nil, fmt.Errorf("legacy: github token is required")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		actions = github.NewClient(oauth2.NewClient(ctx, ts)).Actions
	}
	return &Manager{
		actions: actions,
		codec:   opts.Codec,
		owner:   opts.Owner,
		repo:    opts.Repo,
		out:     out,
		now:     time.Now,
	}, nil
}

// Register adds the testbed type to the registry.
func Register(reg *registry.Registry, mgr *Manager) error {
	return reg.Register(&registry.Type{
		Name:       "testbed",
		PluralName: "testbeds",
		AttrsModel: &TestbedAttrs{},
		AttrsTable: "testbed_attrs",
		Filters: map[string]registry.Filter{
			"filename": registry.Equality("testbed_attrs.filename"),
			"platform": registry.Equality("testbed_attrs.platform"),
		},
		Manager: mgr,
	})
}

func (*Manager) Price(req registry.Requirements) float64 {
	platform, ok := req["platform"].(string)
	if !ok {
		return defaultPrice
	}
	if price, ok := platformPrices[platform]; ok {
		return price
	}
	return defaultPrice
}

// ShelfLife is zero: static inventory never perishes from idleness.
func (*Manager) ShelfLife(*models.Item) time.Duration { return 0 }

// Recipe is nil: testbeds cannot be created, only recovered.
func (*Manager) Recipe(registry.Requirements) *registry.Recipe { return nil }

// IsManaging reports whether a recovery is driving this item. A testbed
// held by a task is a testbed mid-recovery, so cleanup keeps routing it
// here instead of applying the usual finished-holder rules.
func (*Manager) IsManaging(item *models.Item) bool {
	return item.HeldByKind == models.HolderTask
}

func (*Manager) ValidateRequirements(req registry.Requirements, _ *models.User, _ bool) error {
	if raw, ok := req["platform"]; ok {
		platform := fmt.Sprintf("%v", raw)
		if _, supported := platformWorkflows[platform]; !supported {
			return fmt.Errorf("legacy: platform %s is not supported for recovery", platform)
		}
	}
	return nil
}

// HandleCleanup runs the recovery state machine for one testbed. No
// attempt in flight starts one; an attempt in flight is polled and ended,
// retried, or left to keep running. An item flagged MAINTENANCE is freed
// instead of being recovered so a human can work on it.
func (m *Manager) HandleCleanup(ctx context.Context, db *gorm.DB, task *models.Task, item *models.Item) error {
	var attrs TestbedAttrs
	if err := db.Where("item_id = ?", item.ID).First(&attrs).Error; err != nil {
		return fmt.Errorf("legacy: attrs of item %d: %w", item.ID, err)
	}

	if attrs.AttemptID == "" {
		if item.State == models.ItemStateMaintenance {
			fmt.Fprintf(m.out, "testbed %s is in maintenance, freeing without recovery\n", attrs.Filename)
			return m.endRecovery(db, item, &attrs)
		}
		return m.startRecovery(ctx, db, task, item, &attrs)
	}

	elapsed := time.Duration(0)
	if attrs.TimeAttemptStarted != nil {
		elapsed = m.now().Sub(*attrs.TimeAttemptStarted)
	}
	if elapsed > RecoveryTimeLimit {
		if item.State == models.ItemStateMaintenance {
			fmt.Fprintf(m.out, "testbed %s timed out in recovery, freeing because it is in maintenance\n", attrs.Filename)
			return m.endRecovery(db, item, &attrs)
		}
		fmt.Fprintf(m.out, "testbed %s recovery attempt %s timed out after %s, retrying\n",
			attrs.Filename, attrs.AttemptID, elapsed.Round(time.Second))
		return m.startRecovery(ctx, db, task, item, &attrs)
	}

	status, err := m.attemptStatus(ctx, &attrs)
	if err != nil {
		return err
	}
	switch status {
	case statusSuccess:
		fmt.Fprintf(m.out, "testbed %s recovered by attempt %s\n", attrs.Filename, attrs.AttemptID)
		return m.endRecovery(db, item, &attrs)
	case statusFailure:
		if item.State == models.ItemStateMaintenance {
			fmt.Fprintf(m.out, "testbed %s failed recovery, freeing because it is in maintenance\n", attrs.Filename)
			return m.endRecovery(db, item, &attrs)
		}
		fmt.Fprintf(m.out, "testbed %s recovery attempt %s failed, retrying\n", attrs.Filename, attrs.AttemptID)
		return m.startRecovery(ctx, db, task, item, &attrs)
	default:
		// Still running; the next cleanup sweep polls again.
		return nil
	}
}

// startRecovery dispatches the platform's workflow with a fresh attempt id
// and parks the item on the current task until the run finishes.
func (m *Manager) startRecovery(ctx context.Context, db *gorm.DB, task *models.Task, item *models.Item, attrs *TestbedAttrs) error {
	workflow, ok := platformWorkflows[attrs.Platform]
	if !ok {
		return fmt.Errorf("legacy: platform %s is not supported for recovery", attrs.Platform)
	}
	attemptID := newAttemptID()

	_, err := m.actions.CreateWorkflowDispatchEventByFileName(ctx, m.owner, m.repo, workflow,
		github.CreateWorkflowDispatchEventRequest{
			Ref: "main",
			Inputs: map[string]interface{}{
				"attempt_id": attemptID,
				"filename":   attrs.Filename,
			},
		})
	if err != nil {
		return fmt.Errorf("legacy: dispatch %s for %s: %w", workflow, attrs.Filename, err)
	}

	now := m.now()
	err = db.Model(&TestbedAttrs{}).Where("id = ?", attrs.ID).
		Updates(map[string]interface{}{
			"attempt_id":           attemptID,
			"time_attempt_started": now,
		}).Error
	if err != nil {
		return fmt.Errorf("legacy: record attempt %s: %w", attemptID, err)
	}
	err = db.Model(&models.Item{}).Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"held_by_kind":         models.HolderTask,
			"held_by_id":           task.ID,
			"time_held_by_updated": now,
		}).Error
	if err != nil {
		return fmt.Errorf("legacy: hold item %d for recovery: %w", item.ID, err)
	}
	fmt.Fprintf(m.out, "dispatched %s attempt %s for testbed %s\n", workflow, attemptID, attrs.Filename)
	return nil
}

// endRecovery frees the item and clears the attempt bookkeeping.
func (m *Manager) endRecovery(db *gorm.DB, item *models.Item, attrs *TestbedAttrs) error {
	err := db.Model(&TestbedAttrs{}).Where("id = ?", attrs.ID).
		Updates(map[string]interface{}{
			"attempt_id":           "",
			"time_attempt_started": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("legacy: clear attempt of item %d: %w", item.ID, err)
	}
	err = db.Model(&models.Item{}).Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"held_by_kind":         "",
			"held_by_id":           0,
			"time_held_by_updated": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("legacy: release item %d: %w", item.ID, err)
	}
	return nil
}

// attemptStatus finds the workflow run carrying the current attempt id and
// maps its conclusion. A run not found yet means the dispatch has not
// materialized into a run, which is WAITING, not an error.
func (m *Manager) attemptStatus(ctx context.Context, attrs *TestbedAttrs) (string, error) {
	workflow, ok := platformWorkflows[attrs.Platform]
	if !ok {
		return "", fmt.Errorf("legacy: platform %s is not supported for recovery", attrs.Platform)
	}
	runs, _, err := m.actions.ListWorkflowRunsByFileName(ctx, m.owner, m.repo, workflow,
		&github.ListWorkflowRunsOptions{
			Event:       "workflow_dispatch",
			ListOptions: github.ListOptions{PerPage: 100},
		})
	if err != nil {
		return "", fmt.Errorf("legacy: list runs of %s: %w", workflow, err)
	}
	for _, run := range runs.WorkflowRuns {
		if !strings.Contains(run.GetName(), attrs.AttemptID) {
			continue
		}
		if run.GetStatus() != "completed" {
			return statusWaiting, nil
		}
		switch run.GetConclusion() {
		case "success":
			return statusSuccess, nil
		case "failure", "cancelled", "timed_out":
			return statusFailure, nil
		default:
			return statusWaiting, nil
		}
	}
	return statusWaiting, nil
}

type recoverArgs struct {
	ItemSID string `json:"item_sid"`
}

// RunRecoverTestbed forces the recovery state machine for one testbed,
// bypassing the shelf-life and holder gates of the regular cleanup sweep.
// Used when an operator knows a testbed is wrecked.
func (m *Manager) RunRecoverTestbed(ctx context.Context, db *gorm.DB, task *models.Task) error {
	if m.codec == nil {
		return fmt.Errorf("legacy: no sid codec configured")
	}
	var args recoverArgs
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return err
	}
	id, err := m.codec.Decode(models.KindItem, args.ItemSID)
	if err != nil {
		return fmt.Errorf("legacy: bad item sid %q: %w", args.ItemSID, err)
	}
	var item models.Item
	if err := db.First(&item, id).Error; err != nil {
		return fmt.Errorf("legacy: load item %d: %w", id, err)
	}
	if item.Type != "testbed" {
		return fmt.Errorf("legacy: item %s is a %s, not a testbed", args.ItemSID, item.Type)
	}
	return m.HandleCleanup(ctx, db, task, &item)
}

func newAttemptID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("legacy: read random: %v", err))
	}
	return hex.EncodeToString(buf)
}

// SeedTestbeds inserts inventory rows for testbeds that exist in the lab
// but not yet in the database. Used by migrations and tests.
func SeedTestbeds(db *gorm.DB, beds []TestbedAttrs) error {
	for i := range beds {
		bed := &beds[i]
		if _, ok := platformWorkflows[bed.Platform]; !ok {
			return fmt.Errorf("legacy: unknown platform %q for %s", bed.Platform, bed.Filename)
		}
		var existing TestbedAttrs
		err := db.Where("filename = ?", bed.Filename).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("legacy: look up testbed %s: %w", bed.Filename, err)
		}
		item := models.Item{Type: "testbed", State: models.ItemStateActive}
		if err := db.Create(&item).Error; err != nil {
			return fmt.Errorf("legacy: seed item for %s: %w", bed.Filename, err)
		}
		bed.ItemID = item.ID
		if err := db.Create(bed).Error; err != nil {
			return fmt.Errorf("legacy: seed attrs for %s: %w", bed.Filename, err)
		}
	}
	return nil
}
