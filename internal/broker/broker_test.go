package broker

import (
	"context"
	"io"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/bodega/internal/config"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func testCodec(t *testing.T) *sid.Codec {
	t.Helper()
	codec, err := sid.NewCodec("broker-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	return codec
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func handlerSet(d *tasks.Dispatcher) map[string]bool {
	set := make(map[string]bool)
	for _, name := range d.Handlers() {
		set[name] = true
	}
	return set
}

func TestNew_CoreWiring(t *testing.T) {
	cfg := testConfig(t, "database:\n  name: bodega_test\n")
	b, err := New(context.Background(), cfg, testCodec(t), io.Discard)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}

	for _, name := range []string{"basic_item", "complex_item"} {
		if _, ok := b.Registry.Lookup(name); !ok {
			t.Fatalf("item type %s not registered", name)
		}
	}
	if b.AWS != nil || b.Legacy != nil {
		t.Fatal("optional item types registered without config")
	}
	if b.Orders == nil || b.Fulfillment == nil || b.Ejection == nil || b.Cleanup == nil || b.Messaging == nil {
		t.Fatal("a core manager is missing")
	}

	d := tasks.NewDispatcher(testDB(t))
	b.RegisterHandlers(d)
	have := handlerSet(d)
	for _, name := range []string{
		tasks.TaskFulfillOpenOrders,
		tasks.TaskFulfillOrder,
		tasks.TaskSetItemToMaintenance,
		tasks.TaskProcessOrderTimeLimits,
		tasks.TaskProcessItemsCleanup,
		tasks.TaskHandleItemCleanup,
		tasks.TaskSendOrderUpdateNotifications,
		tasks.TaskCreateBasicItem,
		tasks.TaskCreateComplexItem,
	} {
		if !have[name] {
			t.Fatalf("no handler for %s", name)
		}
	}
	if have[tasks.TaskCreateEc2Instance] || have[tasks.TaskRecoverTestbed] {
		t.Fatal("optional handlers registered without their item types")
	}
}

func TestNew_OptionalItemTypes(t *testing.T) {
	t.Setenv("BODEGA_GITHUB_TOKEN", "ghp_test")
	cfg := testConfig(t, `
aws:
  region: us-west-2
  subnet_id: subnet-11aa
github:
  owner: zulandar
  repo: lab-recovery
`)
	b, err := New(context.Background(), cfg, testCodec(t), io.Discard)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}

	if b.AWS == nil || b.Legacy == nil {
		t.Fatal("optional item types missing despite config")
	}
	for _, name := range []string{"ec2_instance", "testbed"} {
		if _, ok := b.Registry.Lookup(name); !ok {
			t.Fatalf("item type %s not registered", name)
		}
	}

	d := tasks.NewDispatcher(testDB(t))
	b.RegisterHandlers(d)
	have := handlerSet(d)
	if !have[tasks.TaskCreateEc2Instance] || !have[tasks.TaskRecoverTestbed] {
		t.Fatal("optional handlers not registered")
	}

	if got := len(b.AttrsModels()); got != 4 {
		t.Fatalf("found %d attrs models, want 4", got)
	}
}

func TestNew_PriorityStrategySelection(t *testing.T) {
	cfg := testConfig(t, "priority_strategy: fifo_throttle\n")
	if _, err := New(context.Background(), cfg, testCodec(t), io.Discard); err != nil {
		t.Fatalf("fifo_throttle broker: %v", err)
	}
}

func TestBuildNotifier_DisabledIsNil(t *testing.T) {
	cfg := testConfig(t, "database:\n  name: bodega_test\n")
	n, err := buildNotifier(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if n != nil {
		t.Fatal("notifier built with nothing enabled")
	}
}

func TestBuildNotifier_SlackNeedsToken(t *testing.T) {
	t.Setenv("BODEGA_SLACK_TOKEN", "")
	cfg := testConfig(t, "slack:\n  enabled: true\n")
	if _, err := buildNotifier(cfg); err == nil {
		t.Fatal("expected an error without BODEGA_SLACK_TOKEN")
	}
}
