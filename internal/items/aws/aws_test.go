package aws

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/tasks"
)

type mockEc2 struct {
	runInput     *ec2.RunInstancesInput
	runErr       error
	instanceID   string
	terminated   []string
	terminateErr error
}

func (m *mockEc2) RunInstances(_ context.Context, params *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.runInput = params
	if m.runErr != nil {
		return nil, m.runErr
	}
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: awssdk.String(m.instanceID)}},
	}, nil
}

func (m *mockEc2) TerminateInstances(_ context.Context, params *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.terminated = append(m.terminated, params.InstanceIds...)
	if m.terminateErr != nil {
		return nil, m.terminateErr
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEc2) DescribeInstances(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{}, nil
}

type env struct {
	db   *gorm.DB
	mgr  *Manager
	ec2  *mockEc2
	task *models.Task
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Item{}, &models.Task{}, &Ec2InstanceAttrs{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mock := &mockEc2{instanceID: "i-0123456789abcdef0"}
	mgr, err := New(context.Background(), Opts{
		Region:                 "us-west-2",
		SubnetID:               "subnet-11aa",
		MaxConcurrentCreations: 2,
		Client:                 mock,
		SkipWaiters:            true,
		Out:                    io.Discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	task := models.Task{TaskID: "t-ec2", Name: tasks.TaskCreateEc2Instance, State: models.TaskStateRunning}
	if err := db.Create(&task).Error; err != nil {
		t.Fatal(err)
	}
	return &env{db: db, mgr: mgr, ec2: mock, task: &task}
}

func (e *env) create(t *testing.T) error {
	t.Helper()
	task, err := tasks.Publish(e.db, tasks.Signature{
		Name: tasks.TaskCreateEc2Instance,
		Args: map[string]interface{}{
			"requirements": map[string]interface{}{
				"instance_type": "m5.large",
				"ami":           "ami-0abc",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	task.State = models.TaskStateRunning
	if err := e.db.Save(task).Error; err != nil {
		t.Fatal(err)
	}
	return e.mgr.RunCreateEc2Instance(context.Background(), e.db, task)
}

func TestCreateEc2Instance(t *testing.T) {
	e := newEnv(t)

	if err := e.create(t); err != nil {
		t.Fatalf("create: %v", err)
	}

	if e.ec2.runInput == nil {
		t.Fatal("RunInstances was never called")
	}
	if got := awssdk.ToString(e.ec2.runInput.ImageId); got != "ami-0abc" {
		t.Fatalf("ImageId = %s, want ami-0abc", got)
	}
	if got := string(e.ec2.runInput.InstanceType); got != "m5.large" {
		t.Fatalf("InstanceType = %s, want m5.large", got)
	}
	if got := awssdk.ToString(e.ec2.runInput.SubnetId); got != "subnet-11aa" {
		t.Fatalf("SubnetId = %s, want subnet-11aa", got)
	}

	var item models.Item
	if err := e.db.Where("type = ?", "ec2_instance").First(&item).Error; err != nil {
		t.Fatal(err)
	}
	if item.State != models.ItemStateActive || item.Held() {
		t.Fatalf("item state=%s held=%v, want active and free", item.State, item.Held())
	}

	var attrs Ec2InstanceAttrs
	if err := e.db.Where("item_id = ?", item.ID).First(&attrs).Error; err != nil {
		t.Fatal(err)
	}
	if attrs.InstanceID != "i-0123456789abcdef0" {
		t.Fatalf("instance id = %s, want i-0123456789abcdef0", attrs.InstanceID)
	}
	if attrs.Region != "us-west-2" {
		t.Fatalf("region = %s, want us-west-2", attrs.Region)
	}
}

func TestCreateEc2Instance_LaunchFailureRetiresItem(t *testing.T) {
	e := newEnv(t)
	e.ec2.runErr = errors.New("InsufficientInstanceCapacity")

	if err := e.create(t); err == nil {
		t.Fatal("expected a launch error")
	}

	var item models.Item
	if err := e.db.Where("type = ?", "ec2_instance").First(&item).Error; err != nil {
		t.Fatal(err)
	}
	if item.State != models.ItemStateDestroyed || item.Held() {
		t.Fatalf("failed launch left item state=%s held=%v", item.State, item.Held())
	}
}

func (e *env) seedInstance(t *testing.T, instanceID string) *models.Item {
	t.Helper()
	item := models.Item{Type: "ec2_instance", State: models.ItemStateActive}
	item.SetHeldBy(models.Ref{Kind: models.HolderOrder, ID: 7}, time.Now())
	if err := e.db.Create(&item).Error; err != nil {
		t.Fatal(err)
	}
	attrs := Ec2InstanceAttrs{ItemID: item.ID, InstanceID: instanceID, Region: "us-west-2"}
	if err := e.db.Create(&attrs).Error; err != nil {
		t.Fatal(err)
	}
	return &item
}

func TestHandleCleanup_TerminatesAndRetires(t *testing.T) {
	e := newEnv(t)
	item := e.seedInstance(t, "i-live")

	if err := e.mgr.HandleCleanup(context.Background(), e.db, e.task, item); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if len(e.ec2.terminated) != 1 || e.ec2.terminated[0] != "i-live" {
		t.Fatalf("terminated = %v, want [i-live]", e.ec2.terminated)
	}
	var got models.Item
	if err := e.db.First(&got, item.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.State != models.ItemStateDestroyed || got.Held() {
		t.Fatalf("item state=%s held=%v, want destroyed and free", got.State, got.Held())
	}
}

func TestHandleCleanup_AlreadyGoneIsSuccess(t *testing.T) {
	e := newEnv(t)
	item := e.seedInstance(t, "i-gone")
	e.ec2.terminateErr = &smithy.GenericAPIError{
		Code: "InvalidInstanceID.NotFound", Message: "does not exist",
	}

	if err := e.mgr.HandleCleanup(context.Background(), e.db, e.task, item); err != nil {
		t.Fatalf("cleanup of a gone instance: %v", err)
	}

	var got models.Item
	if err := e.db.First(&got, item.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.State != models.ItemStateDestroyed {
		t.Fatalf("item state = %s, want %s", got.State, models.ItemStateDestroyed)
	}
}

func TestHandleCleanup_OtherTerminateErrorFails(t *testing.T) {
	e := newEnv(t)
	item := e.seedInstance(t, "i-err")
	e.ec2.terminateErr = &smithy.GenericAPIError{Code: "UnauthorizedOperation"}

	if err := e.mgr.HandleCleanup(context.Background(), e.db, e.task, item); err == nil {
		t.Fatal("expected the terminate error to propagate")
	}

	var got models.Item
	if err := e.db.First(&got, item.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.State != models.ItemStateActive {
		t.Fatalf("item state changed to %s on a failed terminate", got.State)
	}
}

func TestHandleCleanup_MissingInstanceID(t *testing.T) {
	e := newEnv(t)
	item := e.seedInstance(t, "")

	if err := e.mgr.HandleCleanup(context.Background(), e.db, e.task, item); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if len(e.ec2.terminated) != 0 {
		t.Fatalf("terminate called with no instance id: %v", e.ec2.terminated)
	}
	var got models.Item
	if err := e.db.First(&got, item.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.State != models.ItemStateDestroyed {
		t.Fatalf("item state = %s, want %s", got.State, models.ItemStateDestroyed)
	}
}

func TestCreateEc2InstanceBlockage(t *testing.T) {
	e := newEnv(t)

	// env seeds one RUNNING creator; add a second to hit the cap of 2.
	other := models.Task{TaskID: "t-ec2-2", Name: tasks.TaskCreateEc2Instance, State: models.TaskStateRunning}
	if err := e.db.Create(&other).Error; err != nil {
		t.Fatal(err)
	}
	pending, err := tasks.Publish(e.db, tasks.Signature{Name: tasks.TaskCreateEc2Instance})
	if err != nil {
		t.Fatal(err)
	}

	cause, err := e.mgr.CreateEc2InstanceBlockage(e.db, pending)
	if err != nil {
		t.Fatal(err)
	}
	if cause == "" {
		t.Fatal("expected the third launch to be throttled")
	}

	if err := e.db.Model(&other).Update("state", models.TaskStateSuccess).Error; err != nil {
		t.Fatal(err)
	}
	cause, err = e.mgr.CreateEc2InstanceBlockage(e.db, pending)
	if err != nil {
		t.Fatal(err)
	}
	if cause != "" {
		t.Fatalf("still throttled after a slot freed: %s", cause)
	}
}

func TestValidateRequirements(t *testing.T) {
	mgr := &Manager{}
	err := mgr.ValidateRequirements(registry.Requirements{"instance_type": "m5.large"}, nil, false)
	if err == nil {
		t.Fatal("expected an error without an ami")
	}
	err = mgr.ValidateRequirements(registry.Requirements{"ami": "ami-0abc"}, nil, false)
	if err == nil {
		t.Fatal("expected an error without an instance_type")
	}
	err = mgr.ValidateRequirements(registry.Requirements{"instance_type": "m5.large", "ami": "ami-0abc"}, nil, false)
	if err != nil {
		t.Fatalf("valid requirements rejected: %v", err)
	}
}

func TestNewRequiresRegion(t *testing.T) {
	_, err := New(context.Background(), Opts{Client: &mockEc2{}})
	if err == nil {
		t.Fatal("expected an error without a region")
	}
}
