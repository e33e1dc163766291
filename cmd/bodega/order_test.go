package main

import (
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/config"
	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/orders"
	"github.com/zulandar/bodega/internal/tasks"
)

func testOrderService(t *testing.T) *orders.Service {
	t.Helper()
	cfg, err := config.Parse([]byte("database:\n  name: unused\n"))
	if err != nil {
		t.Fatal(err)
	}
	svc, err := orderService(cfg, testCodec(t))
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func placeOrder(t *testing.T, gormDB *gorm.DB, svc *orders.Service, owner *models.User) (*models.Order, string) {
	t.Helper()
	order, _, err := svc.Create(gormDB, owner, orders.CreateInput{
		ItemsDelta: "bed:\n  type: basic_item\n  requirements:\n    choice: A\n",
		Comment:    "cli test order",
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	orderSID, err := svc.Codec.Encode(models.KindOrder, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	return order, orderSID
}

func seedOwner(t *testing.T, gormDB *gorm.DB) *models.User {
	t.Helper()
	owner := models.User{Username: "alice", Token: "tok-alice"}
	if err := gormDB.Create(&owner).Error; err != nil {
		t.Fatal(err)
	}
	return &owner
}

func TestRunOrderList(t *testing.T) {
	gormDB := testDB(t)
	svc := testOrderService(t)
	owner := seedOwner(t, gormDB)
	_, orderSID := placeOrder(t, gormDB, svc, owner)

	cmd, buf := captureCmd()
	if err := runOrderList(cmd, gormDB, svc.Codec, ""); err != nil {
		t.Fatalf("list: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, orderSID) || !strings.Contains(out, "alice") {
		t.Errorf("list output = %q", out)
	}

	cmd2, buf2 := captureCmd()
	if err := runOrderList(cmd2, gormDB, svc.Codec, models.OrderStatusClosed); err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if strings.Contains(buf2.String(), orderSID) {
		t.Error("closed filter should hide an open order")
	}
}

func TestRunOrderShow(t *testing.T) {
	gormDB := testDB(t)
	svc := testOrderService(t)
	owner := seedOwner(t, gormDB)
	_, orderSID := placeOrder(t, gormDB, svc, owner)

	cmd, buf := captureCmd()
	if err := runOrderShow(cmd, gormDB, svc, orderSID); err != nil {
		t.Fatalf("show: %v", err)
	}
	out := buf.String()
	for _, want := range []string{orderSID, "Status: OPEN", "Owner: alice", "bed: basic_item"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestRunOrderShow_BadSID(t *testing.T) {
	gormDB := testDB(t)
	svc := testOrderService(t)
	cmd, _ := captureCmd()
	if err := runOrderShow(cmd, gormDB, svc, "not-a-sid"); err == nil {
		t.Error("bad sid should fail")
	}
}

func TestRunOrderClose(t *testing.T) {
	gormDB := testDB(t)
	svc := testOrderService(t)
	owner := seedOwner(t, gormDB)
	_, orderSID := placeOrder(t, gormDB, svc, owner)

	cmd, buf := captureCmd()
	if err := runOrderClose(cmd, gormDB, svc, orderSID, "alice", "done"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(buf.String(), "closed") {
		t.Errorf("close output = %q", buf.String())
	}

	var order models.Order
	if err := gormDB.First(&order).Error; err != nil {
		t.Fatal(err)
	}
	if order.Status != models.OrderStatusClosed {
		t.Fatalf("order status = %s, want CLOSED", order.Status)
	}
	var n int64
	err := gormDB.Model(&models.Task{}).
		Where("name = ?", tasks.TaskProcessItemsCleanup).Count(&n).Error
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("published %d cleanup sweeps, want 1", n)
	}
}

func TestRunOrderPlace(t *testing.T) {
	gormDB := testDB(t)
	svc := testOrderService(t)
	seedOwner(t, gormDB)

	cmd, buf := captureCmd()
	err := runOrderPlace(cmd, gormDB, svc, "alice", orders.CreateInput{
		ItemsDelta: "bed:\n  type: basic_item\n",
		Comment:    "cli placed",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !strings.Contains(buf.String(), "placed") {
		t.Errorf("output = %q", buf.String())
	}

	var order models.Order
	if err := gormDB.First(&order).Error; err != nil {
		t.Fatal(err)
	}
	if order.Status != models.OrderStatusOpen {
		t.Fatalf("status = %s, want OPEN", order.Status)
	}
	var n int64
	err = gormDB.Model(&models.Task{}).
		Where("name = ?", tasks.TaskFulfillOpenOrders).Count(&n).Error
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("published %d scheduler kicks, want 1", n)
	}

	cmd2, _ := captureCmd()
	err = runOrderPlace(cmd2, gormDB, svc, "nobody", orders.CreateInput{ItemsDelta: "x:\n  type: basic_item\n"})
	if err == nil {
		t.Error("unknown owner should fail")
	}
}

func TestRunOrderExtend(t *testing.T) {
	gormDB := testDB(t)
	svc := testOrderService(t)
	owner := seedOwner(t, gormDB)
	_, orderSID := placeOrder(t, gormDB, svc, owner)

	cmd, buf := captureCmd()
	if err := runOrderExtend(cmd, gormDB, svc, orderSID, "alice", 2*time.Hour); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !strings.Contains(buf.String(), "2h0m0s") {
		t.Errorf("output = %q", buf.String())
	}

	order, err := svc.Lookup(gormDB, orderSID)
	if err != nil {
		t.Fatal(err)
	}
	timeLimit, err := orders.TimeLimit(gormDB, order)
	if err != nil {
		t.Fatal(err)
	}
	if timeLimit != 2*time.Hour {
		t.Fatalf("time limit = %s, want 2h", timeLimit)
	}
}

func TestRunOrderClose_UnknownActor(t *testing.T) {
	gormDB := testDB(t)
	svc := testOrderService(t)
	owner := seedOwner(t, gormDB)
	_, orderSID := placeOrder(t, gormDB, svc, owner)

	cmd, _ := captureCmd()
	if err := runOrderClose(cmd, gormDB, svc, orderSID, "nobody", ""); err == nil {
		t.Error("unknown actor should fail")
	}
}
