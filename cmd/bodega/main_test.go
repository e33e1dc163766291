package main

import (
	"bytes"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/bodega/internal/db"
	"github.com/zulandar/bodega/internal/items/generic"
	"github.com/zulandar/bodega/internal/items/legacy"
	"github.com/zulandar/bodega/internal/sid"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(gormDB,
		&generic.BasicItemAttrs{}, &generic.ComplexItemAttrs{}, &legacy.TestbedAttrs{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gormDB
}

func testCodec(t *testing.T) *sid.Codec {
	t.Helper()
	codec, err := sid.NewCodec("cli-test-secret")
	if err != nil {
		t.Fatal(err)
	}
	return codec
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "bodega dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := runCLI(t, "--help")
	if err != nil {
		t.Fatalf("--help failed: %v", err)
	}
	for _, sub := range []string{"serve", "worker", "db", "migrate", "user", "order", "item", "tab", "testbed", "status"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help does not list %q subcommand", sub)
		}
	}
}

func TestDBCmd_Help(t *testing.T) {
	out, err := runCLI(t, "db", "--help")
	if err != nil {
		t.Fatalf("db --help failed: %v", err)
	}
	for _, sub := range []string{"init", "reset"} {
		if !strings.Contains(out, sub) {
			t.Errorf("db help missing %q", sub)
		}
	}
}

func TestWorkerCmd_Flags(t *testing.T) {
	cmd := newWorkerCmd()
	if cmd.Flags().Lookup("config") == nil {
		t.Error("worker is missing --config")
	}
}

func TestServeCmd_Flags(t *testing.T) {
	cmd := newServeCmd()
	for _, name := range []string{"config", "port"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("serve is missing --%s", name)
		}
	}
}

func TestPeriodicTasksHaveSchedules(t *testing.T) {
	seen := map[string]bool{}
	for _, pt := range periodicTasks {
		if pt.Schedule == "" || pt.Name == "" {
			t.Errorf("incomplete periodic entry %+v", pt)
		}
		if seen[pt.Name] {
			t.Errorf("task %s scheduled twice", pt.Name)
		}
		seen[pt.Name] = true
	}
}
