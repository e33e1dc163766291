// Package broker assembles the worker side of Bodega: the item-type
// registry, the fulfillment, ejection, cleanup, and messaging managers,
// and the dispatcher handler set that binds task names to them.
package broker

import (
	"context"
	"fmt"
	"io"
	"os"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/cleanup"
	"github.com/zulandar/bodega/internal/config"
	"github.com/zulandar/bodega/internal/ejection"
	"github.com/zulandar/bodega/internal/fulfillment"
	"github.com/zulandar/bodega/internal/items/aws"
	"github.com/zulandar/bodega/internal/items/generic"
	"github.com/zulandar/bodega/internal/items/legacy"
	"github.com/zulandar/bodega/internal/messaging"
	"github.com/zulandar/bodega/internal/messaging/discord"
	"github.com/zulandar/bodega/internal/messaging/slack"
	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/orders"
	"github.com/zulandar/bodega/internal/priority"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

// Broker holds every long-lived component of one Bodega deployment.
type Broker struct {
	Registry *registry.Registry
	Codec    *sid.Codec
	Orders   *orders.Service

	Fulfillment *fulfillment.Manager
	Ejection    *ejection.Manager
	Cleanup     *cleanup.Manager
	Messaging   *messaging.Manager

	Generic *generic.Creator
	AWS     *aws.Manager
	Legacy  *legacy.Manager
}

// New wires a Broker from config. Optional item types register only when
// their config section is present; creator tasks for absent types are left
// for another deployment to claim.
func New(ctx context.Context, cfg *config.Config, codec *sid.Codec, out io.Writer) (*Broker, error) {
	if out == nil {
		out = io.Discard
	}
	reg := registry.New()
	if err := generic.Register(reg); err != nil {
		return nil, fmt.Errorf("broker: register generic items: %w", err)
	}

	b := &Broker{
		Registry: reg,
		Codec:    codec,
		Generic:  &generic.Creator{Codec: codec},
	}

	if cfg.AWS.Region != "" {
		awsMgr, err := aws.New(ctx, aws.Opts{
			Region:                 cfg.AWS.Region,
			SubnetID:               cfg.AWS.SubnetID,
			MaxConcurrentCreations: cfg.AWS.MaxConcurrentCreations,
			Out:                    out,
		})
		if err != nil {
			return nil, err
		}
		if err := aws.Register(reg, awsMgr); err != nil {
			return nil, fmt.Errorf("broker: register ec2 items: %w", err)
		}
		b.AWS = awsMgr
	}

	if cfg.GitHub.Owner != "" {
		legacyMgr, err := legacy.New(ctx, legacy.Opts{
			Owner: cfg.GitHub.Owner,
			Repo:  cfg.GitHub.Repo,
			Token: os.Getenv("BODEGA_GITHUB_TOKEN"),
			Codec: codec,
			Out:   out,
		})
		if err != nil {
			return nil, err
		}
		if err := legacy.Register(reg, legacyMgr); err != nil {
			return nil, fmt.Errorf("broker: register testbed items: %w", err)
		}
		b.Legacy = legacyMgr
	}

	var strategy priority.Strategy
	switch cfg.PriorityStrategy {
	case config.PriorityFIFOThrottle:
		strategy = &priority.FIFOThrottle{}
	default:
		strategy = &priority.TabPrice{Registry: reg}
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return nil, err
	}

	b.Orders = &orders.Service{
		Registry:                   reg,
		Codec:                      codec,
		MaxOrderTimeLimit:          cfg.MaxOrderTimeLimit.Std(),
		DefaultExpirationTimeLimit: cfg.DefaultExpirationTimeLimit.Std(),
	}
	b.Fulfillment = fulfillment.NewManager(reg, strategy, codec, out)
	b.Ejection = ejection.NewManager(codec, out)
	b.Cleanup = cleanup.NewManager(reg, codec, out)
	b.Messaging = messaging.NewManager(codec, notifier, out)
	return b, nil
}

// buildNotifier picks the configured delivery channel. Both disabled means
// notification tasks complete as quiet drops.
func buildNotifier(cfg *config.Config) (messaging.Notifier, error) {
	if cfg.Slack.Enabled {
		n, err := slack.New(slack.Opts{Token: os.Getenv("BODEGA_SLACK_TOKEN")})
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	if cfg.Discord.Enabled {
		n, err := discord.New(discord.Opts{
			Token:     os.Getenv("BODEGA_DISCORD_TOKEN"),
			ChannelID: cfg.Discord.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, nil
}

type runFunc func(ctx context.Context, db *gorm.DB, task *models.Task) error
type blockFunc func(db *gorm.DB, task *models.Task) (string, error)

type handler struct {
	name string
	run  runFunc
}

func (h *handler) Name() string { return h.name }
func (h *handler) Run(ctx context.Context, db *gorm.DB, task *models.Task) error {
	return h.run(ctx, db, task)
}

type blockingHandler struct {
	handler
	block blockFunc
}

func (h *blockingHandler) BlockageCause(db *gorm.DB, task *models.Task) (string, error) {
	return h.block(db, task)
}

func plain(name string, run runFunc) tasks.Handler {
	return &handler{name: name, run: run}
}

func blocking(name string, run runFunc, block blockFunc) tasks.Handler {
	return &blockingHandler{handler: handler{name: name, run: run}, block: block}
}

// synchronized keeps same-name tasks single-flight in publish order.
func synchronized(name string, run runFunc) tasks.Handler {
	return blocking(name, run, func(db *gorm.DB, task *models.Task) (string, error) {
		return tasks.SynchronizedBlockageCause(db, task, nil)
	})
}

// RegisterHandlers binds every task name this deployment serves onto d.
func (b *Broker) RegisterHandlers(d *tasks.Dispatcher) {
	d.Register(synchronized(tasks.TaskFulfillOpenOrders, b.Fulfillment.RunFulfillOpenOrders))
	d.Register(blocking(tasks.TaskFulfillOrder, b.Fulfillment.RunFulfillOrder, b.Fulfillment.FulfillOrderBlockage))
	d.Register(plain(tasks.TaskSetItemToMaintenance, b.Fulfillment.RunSetItemToMaintenance))
	d.Register(synchronized(tasks.TaskProcessOrderTimeLimits, b.Ejection.RunProcessOrderTimeLimits))
	d.Register(synchronized(tasks.TaskProcessItemsCleanup, b.Cleanup.RunProcessItemsCleanup))
	d.Register(blocking(tasks.TaskHandleItemCleanup, b.Cleanup.RunHandleItemCleanup, b.Cleanup.HandleItemCleanupBlockage))
	d.Register(plain(tasks.TaskSendOrderUpdateNotifications, b.Messaging.RunSendOrderUpdateNotifications))
	d.Register(plain(tasks.TaskCreateBasicItem, b.Generic.RunCreateBasicItem))
	d.Register(plain(tasks.TaskCreateComplexItem, b.Generic.RunCreateComplexItem))
	if b.AWS != nil {
		d.Register(blocking(tasks.TaskCreateEc2Instance, b.AWS.RunCreateEc2Instance, b.AWS.CreateEc2InstanceBlockage))
	}
	if b.Legacy != nil {
		d.Register(blocking(tasks.TaskRecoverTestbed, b.Legacy.RunRecoverTestbed, recoverTestbedBlockage))
	}
}

// AttrsModels returns the attribute tables of every registered item type,
// so migrations can carry them alongside the core schema.
func (b *Broker) AttrsModels() []interface{} {
	var extras []interface{}
	for _, t := range b.Registry.Types() {
		if t.AttrsModel != nil {
			extras = append(extras, t.AttrsModel)
		}
	}
	return extras
}

// recoverTestbedBlockage serializes recoveries of the same testbed.
func recoverTestbedBlockage(db *gorm.DB, task *models.Task) (string, error) {
	args, err := tasks.Args(task)
	if err != nil {
		return "", err
	}
	return tasks.SynchronizedBlockageCause(db, task, tasks.MatchArg("item_sid", args["item_sid"]))
}
