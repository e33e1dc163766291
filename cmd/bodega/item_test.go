package main

import (
	"strings"
	"testing"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/tasks"
)

func TestRunItemList(t *testing.T) {
	gormDB := testDB(t)
	codec := testCodec(t)

	free := models.Item{Type: "basic_item", State: models.ItemStateActive}
	if err := gormDB.Create(&free).Error; err != nil {
		t.Fatal(err)
	}
	gone := models.Item{Type: "basic_item", State: models.ItemStateDestroyed}
	if err := gormDB.Create(&gone).Error; err != nil {
		t.Fatal(err)
	}

	cmd, buf := captureCmd()
	if err := runItemList(cmd, gormDB, codec, "", ""); err != nil {
		t.Fatalf("list: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "basic_item") {
		t.Errorf("list output = %q", out)
	}
	if strings.Contains(out, models.ItemStateDestroyed) {
		t.Error("destroyed item listed by default")
	}

	cmd2, buf2 := captureCmd()
	if err := runItemList(cmd2, gormDB, codec, "", models.ItemStateDestroyed); err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if !strings.Contains(buf2.String(), models.ItemStateDestroyed) {
		t.Error("destroyed filter shows nothing")
	}
}

func TestRunItemMaintenance(t *testing.T) {
	gormDB := testDB(t)
	codec := testCodec(t)

	item := models.Item{Type: "basic_item", State: models.ItemStateActive}
	if err := gormDB.Create(&item).Error; err != nil {
		t.Fatal(err)
	}
	itemSID, err := codec.Encode(models.KindItem, item.ID)
	if err != nil {
		t.Fatal(err)
	}

	cmd, buf := captureCmd()
	if err := runItemMaintenance(cmd, gormDB, codec, itemSID); err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if !strings.Contains(buf.String(), itemSID) {
		t.Errorf("output = %q", buf.String())
	}

	var task models.Task
	err = gormDB.Where("name = ?", tasks.TaskSetItemToMaintenance).First(&task).Error
	if err != nil {
		t.Fatalf("no maintenance task published: %v", err)
	}
	args, err := tasks.Args(&task)
	if err != nil {
		t.Fatal(err)
	}
	if args["item_sid"] != itemSID {
		t.Errorf("task item_sid = %v, want %s", args["item_sid"], itemSID)
	}
}

func TestRunItemMaintenance_BadTargets(t *testing.T) {
	gormDB := testDB(t)
	codec := testCodec(t)

	cmd, _ := captureCmd()
	if err := runItemMaintenance(cmd, gormDB, codec, "junk"); err == nil {
		t.Error("bad sid should fail")
	}

	gone := models.Item{Type: "basic_item", State: models.ItemStateDestroyed}
	if err := gormDB.Create(&gone).Error; err != nil {
		t.Fatal(err)
	}
	goneSID, err := codec.Encode(models.KindItem, gone.ID)
	if err != nil {
		t.Fatal(err)
	}
	cmd2, _ := captureCmd()
	if err := runItemMaintenance(cmd2, gormDB, codec, goneSID); err == nil {
		t.Error("destroyed item should fail")
	}

	var n int64
	if err := gormDB.Model(&models.Task{}).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("published %d tasks, want 0", n)
	}
}
