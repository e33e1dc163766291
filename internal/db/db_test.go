package db

import (
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/bodega/internal/config"
	"github.com/zulandar/bodega/internal/models"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DatabaseConfig
		want string
	}{
		{
			name: "default local",
			cfg:  config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, Name: "bodega", User: "bodega"},
			want: "bodega@tcp(127.0.0.1:3306)/bodega",
		},
		{
			name: "with password",
			cfg:  config.DatabaseConfig{Host: "10.0.0.5", Port: 3307, Name: "bodega_dev", User: "root", Password: "hunter2"},
			want: "root:hunter2@tcp(10.0.0.5:3307)/bodega_dev",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("DSN() = %q, want prefix %q", got, tt.want)
			}
			if !strings.Contains(got, "parseTime=true") {
				t.Errorf("DSN missing parseTime=true: %s", got)
			}
		})
	}
}

func TestAutoMigrate_CoreModels(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, table := range []string{"users", "tabs", "orders", "order_updates", "items", "item_fulfillments", "tasks"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %q not created", table)
		}
	}
}

func TestSeedUser_Upsert(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}

	first, err := SeedUser(db, models.User{Username: "alice", Email: "alice@example.com", Token: "tok-alice"})
	if err != nil {
		t.Fatalf("SeedUser: %v", err)
	}
	second, err := SeedUser(db, models.User{Username: "alice", Email: "alice@lab.example.com", Superuser: true, Token: "tok-alice"})
	if err != nil {
		t.Fatalf("SeedUser again: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("upsert created a new row: %d != %d", first.ID, second.ID)
	}
	if !second.Superuser {
		t.Error("upsert did not update superuser flag")
	}

	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("user count = %d, want 1", count)
	}
}
