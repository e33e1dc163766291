// Package aws ships the ec2_instance item type: real EC2 instances created
// and terminated through aws-sdk-go-v2 on behalf of orders.
package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/tasks"
)

const (
	// shelfLife bounds how long an unheld instance may idle before the
	// cleanup manager terminates it. Instances cost real money.
	shelfLife = 8 * time.Hour

	// terminateWait bounds the instance_terminated waiter.
	terminateWait = 10 * time.Minute

	// launchWait bounds the instance_running waiter after RunInstances.
	launchWait = 10 * time.Minute
)

// ec2Client is the slice of the EC2 API the manager uses. *ec2.Client
// satisfies it; tests substitute a mock.
type ec2Client interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// Ec2InstanceAttrs is the attribute table of the ec2_instance item type.
type Ec2InstanceAttrs struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement"`
	ItemID uint64 `gorm:"not null;uniqueIndex"`

	InstanceID   string `gorm:"size:64;index"`
	InstanceType string `gorm:"size:64"`
	AMIID        string `gorm:"size:64;column:ami_id"`
	Region       string `gorm:"size:32"`
}

// Manager drives the ec2_instance item type.
type Manager struct {
	registry.Defaults

	client                 ec2Client
	region                 string
	subnetID               string
	maxConcurrentCreations int
	skipWaiters            bool
	out                    io.Writer
}

// Opts configures a Manager. Client, when set, replaces the real EC2
// client; otherwise credentials come from the ambient AWS environment.
// SkipWaiters disables the post-call state waiters so tests with a mock
// client do not poll.
type Opts struct {
	Region                 string
	SubnetID               string
	MaxConcurrentCreations int
	Client                 ec2Client
	SkipWaiters            bool
	Out                    io.Writer
}

// New builds an ec2_instance Manager.
func New(ctx context.Context, opts Opts) (*Manager, error) {
	if opts.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	client := opts.Client
	if client == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
		if err != nil {
			return nil, fmt.Errorf("aws: load config: %w", err)
		}
		client = ec2.NewFromConfig(cfg)
	}
	max := opts.MaxConcurrentCreations
	if max <= 0 {
		max = 1
	}
	return &Manager{
		client:                 client,
		region:                 opts.Region,
		subnetID:               opts.SubnetID,
		maxConcurrentCreations: max,
		skipWaiters:            opts.SkipWaiters,
		out:                    out,
	}, nil
}

// Register adds the ec2_instance type to the registry.
func Register(reg *registry.Registry, mgr *Manager) error {
	return reg.Register(&registry.Type{
		Name:       "ec2_instance",
		PluralName: "ec2_instances",
		AttrsModel: &Ec2InstanceAttrs{},
		AttrsTable: "ec2_instance_attrs",
		Filters: map[string]registry.Filter{
			"instance_type": registry.Equality("ec2_instance_attrs.instance_type"),
			"ami":           registry.Equality("ec2_instance_attrs.ami_id"),
			"region":        registry.Equality("ec2_instance_attrs.region"),
		},
		Manager: mgr,
	})
}

func (*Manager) Price(registry.Requirements) float64 { return 10.0 }

func (*Manager) ShelfLife(*models.Item) time.Duration { return shelfLife }

func (*Manager) CreatorTaskNames() []string {
	return []string{tasks.TaskCreateEc2Instance}
}

func (*Manager) Recipe(registry.Requirements) *registry.Recipe {
	return &registry.Recipe{CreatorTask: tasks.TaskCreateEc2Instance}
}

func (*Manager) ValidateRequirements(req registry.Requirements, _ *models.User, _ bool) error {
	if _, ok := req["instance_type"]; !ok {
		return fmt.Errorf("aws: instance_type requirement is required")
	}
	if _, ok := req["ami"]; !ok {
		return fmt.Errorf("aws: ami requirement is required")
	}
	return nil
}

// HandleCleanup terminates the backing instance and retires the item. An
// instance that is already gone on the AWS side counts as terminated. An
// attrs row with no instance id cannot be matched to anything on AWS, so
// the item is retired directly and the leak is logged.
func (m *Manager) HandleCleanup(ctx context.Context, db *gorm.DB, _ *models.Task, item *models.Item) error {
	var attrs Ec2InstanceAttrs
	err := db.Where("item_id = ?", item.ID).First(&attrs).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("aws: attrs of item %d: %w", item.ID, err)
	}

	if attrs.InstanceID == "" {
		fmt.Fprintf(m.out, "item %d has no instance id, marking destroyed; we may be leaking instances on AWS\n", item.ID)
		return m.retireItem(db, item)
	}

	_, err = m.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{attrs.InstanceID},
	})
	if err != nil && !instanceAlreadyGone(err) {
		return fmt.Errorf("aws: terminate %s: %w", attrs.InstanceID, err)
	}
	if err == nil && !m.skipWaiters {
		waiter := ec2.NewInstanceTerminatedWaiter(m.client)
		err = waiter.Wait(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{attrs.InstanceID},
		}, terminateWait)
		if err != nil && !instanceAlreadyGone(err) {
			return fmt.Errorf("aws: wait for %s to terminate: %w", attrs.InstanceID, err)
		}
	}
	fmt.Fprintf(m.out, "terminated instance %s of item %d\n", attrs.InstanceID, item.ID)
	return m.retireItem(db, item)
}

// retireItem marks the item DESTROYED and releases any hold on it.
func (m *Manager) retireItem(db *gorm.DB, item *models.Item) error {
	err := db.Model(&models.Item{}).
		Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"state":                models.ItemStateDestroyed,
			"held_by_kind":         "",
			"held_by_id":           0,
			"time_held_by_updated": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("aws: retire item %d: %w", item.ID, err)
	}
	return nil
}

// instanceAlreadyGone reports whether err says the instance no longer
// exists, which cleanup treats as success.
func instanceAlreadyGone(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "InvalidInstanceID.NotFound" || code == "InvalidInstanceID.Malformed"
	}
	return false
}

// CreateEc2InstanceBlockage caps how many instances are launching at once.
func (m *Manager) CreateEc2InstanceBlockage(db *gorm.DB, task *models.Task) (string, error) {
	return tasks.ThrottledBlockageCause(db, task, m.maxConcurrentCreations)
}

type createArgs struct {
	Requirements registry.Requirements `json:"requirements"`
}

// RunCreateEc2Instance launches one instance for the decoded requirements.
// The item row exists and is held by this task before RunInstances is
// called, so a crash mid-launch leaves a row the cleanup manager can see.
func (m *Manager) RunCreateEc2Instance(ctx context.Context, db *gorm.DB, task *models.Task) error {
	var args createArgs
	if err := tasks.DecodeArgs(task, &args); err != nil {
		return err
	}
	if err := m.ValidateRequirements(args.Requirements, nil, false); err != nil {
		return err
	}
	instanceType := fmt.Sprintf("%v", args.Requirements["instance_type"])
	amiID := fmt.Sprintf("%v", args.Requirements["ami"])

	item := models.Item{Type: "ec2_instance", State: models.ItemStateActive}
	item.SetHeldBy(task.Ref(), time.Now())
	if err := db.Create(&item).Error; err != nil {
		return fmt.Errorf("aws: create item: %w", err)
	}
	attrs := Ec2InstanceAttrs{
		ItemID:       item.ID,
		InstanceType: instanceType,
		AMIID:        amiID,
		Region:       m.region,
	}
	if err := db.Create(&attrs).Error; err != nil {
		return fmt.Errorf("aws: create item attrs: %w", err)
	}

	input := &ec2.RunInstancesInput{
		ImageId:      awssdk.String(amiID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     awssdk.Int32(1),
		MaxCount:     awssdk.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{
				{Key: awssdk.String("Name"), Value: awssdk.String(fmt.Sprintf("bodega-item-%d", item.ID))},
				{Key: awssdk.String("Purpose"), Value: awssdk.String("Created by Bodega")},
			},
		}},
	}
	if m.subnetID != "" {
		input.SubnetId = awssdk.String(m.subnetID)
	}

	output, err := m.client.RunInstances(ctx, input)
	if err != nil {
		// Nothing launched; the held item row is surplus.
		if retireErr := m.retireItem(db, &item); retireErr != nil {
			return fmt.Errorf("aws: run instances: %v (and retire item: %w)", err, retireErr)
		}
		return fmt.Errorf("aws: run instances: %w", err)
	}
	if len(output.Instances) == 0 || output.Instances[0].InstanceId == nil {
		return fmt.Errorf("aws: run instances returned no instance")
	}
	instanceID := awssdk.ToString(output.Instances[0].InstanceId)

	err = db.Model(&Ec2InstanceAttrs{}).Where("id = ?", attrs.ID).
		Update("instance_id", instanceID).Error
	if err != nil {
		return fmt.Errorf("aws: record instance id %s: %w", instanceID, err)
	}
	fmt.Fprintf(m.out, "launched instance %s for item %d\n", instanceID, item.ID)

	if !m.skipWaiters {
		waiter := ec2.NewInstanceRunningWaiter(m.client)
		err = waiter.Wait(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		}, launchWait)
		if err != nil {
			if cleanupErr := m.HandleCleanup(ctx, db, task, &item); cleanupErr != nil {
				return fmt.Errorf("aws: wait for %s to run: %v (and cleanup: %w)", instanceID, err, cleanupErr)
			}
			return fmt.Errorf("aws: wait for %s to run: %w", instanceID, err)
		}
	}

	// Launch done; free the item for the scheduler.
	err = db.Model(&models.Item{}).Where("id = ?", item.ID).
		Updates(map[string]interface{}{
			"held_by_kind":         "",
			"held_by_id":           0,
			"time_held_by_updated": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("aws: release item %d: %w", item.ID, err)
	}
	return nil
}
