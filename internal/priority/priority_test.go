package priority

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/registry"
)

type unitPriceManager struct {
	registry.Defaults
}

func (unitPriceManager) Price(registry.Requirements) float64 { return 1.0 }

func (unitPriceManager) HandleCleanup(context.Context, *gorm.DB, *models.Task, *models.Item) error {
	return nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	err := r.Register(&registry.Type{
		Name:       "basic_item",
		PluralName: "basic_items",
		Filters:    map[string]registry.Filter{},
		Manager:    unitPriceManager{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.User{}, &models.Tab{}, &models.Order{}, &models.OrderUpdate{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedOrder(t *testing.T, db *gorm.DB, tabID, ownerID uint64, itemCount int, created time.Time) *models.Order {
	t.Helper()
	order := models.Order{
		Status:           models.OrderStatusOpen,
		OwnerID:          ownerID,
		TabID:            tabID,
		TabBasedPriority: models.PriorityClosed,
	}
	if err := db.Create(&order).Error; err != nil {
		t.Fatal(err)
	}
	if err := db.Model(&models.Order{}).Where("id = ?", order.ID).
		Update("time_created", created).Error; err != nil {
		t.Fatal(err)
	}
	order.TimeCreated = created

	delta := ""
	for i := 0; i < itemCount; i++ {
		delta += fmt.Sprintf("unit%d:\n  type: basic_item\n", i)
	}
	update := models.OrderUpdate{
		OrderID:     order.ID,
		CreatorKind: models.HolderUser,
		CreatorID:   ownerID,
		ItemsDelta:  delta,
	}
	if err := db.Create(&update).Error; err != nil {
		t.Fatal(err)
	}
	return &order
}

func seedTab(t *testing.T, db *gorm.DB, ownerID uint64, limit float64) *models.Tab {
	t.Helper()
	tab := models.Tab{Limit: limit, OwnerID: ownerID}
	if err := db.Create(&tab).Error; err != nil {
		t.Fatal(err)
	}
	// GORM omits zero-valued fields on Create when the column has a default
	// tag, so write the limit explicitly to keep a requested zero.
	if err := db.Model(&tab).Update("limit", limit).Error; err != nil {
		t.Fatal(err)
	}
	return &tab
}

func TestTabPrice_RelativeDemand(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	tabU := seedTab(t, db, 1, 1.0)
	tabV := seedTab(t, db, 2, 1.0)

	// User U places a one-item order and a seven-item order; user V places
	// a one-item order. U's big order must rank behind both small orders.
	o1 := seedOrder(t, db, tabU.ID, 1, 1, now.Add(-3*time.Hour))
	o2 := seedOrder(t, db, tabU.ID, 1, 7, now.Add(-2*time.Hour))
	o3 := seedOrder(t, db, tabV.ID, 2, 1, now.Add(-time.Hour))

	strategy := &TabPrice{Registry: testRegistry(t)}
	ranked, err := strategy.RankOpenOrders(db, now)
	if err != nil {
		t.Fatalf("RankOpenOrders: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("ranked %d orders, want 3", len(ranked))
	}

	wantOrder := []uint64{o1.ID, o3.ID, o2.ID}
	for i, want := range wantOrder {
		if ranked[i].ID != want {
			t.Errorf("position %d = order %d, want %d", i, ranked[i].ID, want)
		}
	}

	wantPriority := map[uint64]int{o1.ID: 0, o3.ID: 0, o2.ID: 1}
	for _, order := range ranked {
		if order.TabBasedPriority != wantPriority[order.ID] {
			t.Errorf("order %d priority = %d, want %d", order.ID, order.TabBasedPriority, wantPriority[order.ID])
		}
		// The computed value is also written back for display.
		var stored models.Order
		if err := db.First(&stored, order.ID).Error; err != nil {
			t.Fatal(err)
		}
		if stored.TabBasedPriority != wantPriority[order.ID] {
			t.Errorf("order %d stored priority = %d, want %d", order.ID, stored.TabBasedPriority, wantPriority[order.ID])
		}
	}
}

func TestTabPrice_FulfilledDemandCounts(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	tabU := seedTab(t, db, 1, 1.0)
	tabV := seedTab(t, db, 2, 1.0)

	// U already has a large recently fulfilled order; V does not. With
	// identical open orders, V goes first.
	heavy := seedOrder(t, db, tabU.ID, 1, 8, now.Add(-4*time.Hour))
	if err := db.Model(&models.Order{}).Where("id = ?", heavy.ID).
		Update("status", models.OrderStatusFulfilled).Error; err != nil {
		t.Fatal(err)
	}
	openU := seedOrder(t, db, tabU.ID, 1, 1, now.Add(-2*time.Hour))
	openV := seedOrder(t, db, tabV.ID, 2, 1, now.Add(-time.Hour))

	strategy := &TabPrice{Registry: testRegistry(t)}
	ranked, err := strategy.RankOpenOrders(db, now)
	if err != nil {
		t.Fatalf("RankOpenOrders: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("ranked %d orders, want 2", len(ranked))
	}
	if ranked[0].ID != openV.ID {
		t.Errorf("first = order %d, want V's order %d", ranked[0].ID, openV.ID)
	}
	if ranked[1].ID != openU.ID {
		t.Errorf("second = order %d, want U's order %d", ranked[1].ID, openU.ID)
	}
}

func TestTabPrice_MaintenanceIsFree(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	tabU := seedTab(t, db, 1, 1.0)
	tabV := seedTab(t, db, 2, 1.0)

	small := seedOrder(t, db, tabV.ID, 2, 1, now.Add(-3*time.Hour))
	big := seedOrder(t, db, tabU.ID, 1, 9, now.Add(-2*time.Hour))
	maintenance := seedOrder(t, db, tabU.ID, 1, 1, now.Add(-time.Hour))
	if err := db.Model(&models.Order{}).Where("id = ?", maintenance.ID).
		Update("maintenance", true).Error; err != nil {
		t.Fatal(err)
	}

	strategy := &TabPrice{Registry: testRegistry(t)}
	ranked, err := strategy.RankOpenOrders(db, now)
	if err != nil {
		t.Fatalf("RankOpenOrders: %v", err)
	}
	if len(ranked) != 3 {
		t.Fatalf("ranked %d orders, want 3", len(ranked))
	}
	// The maintenance order is free, so it ranks at priority 0 despite
	// sharing a tab with the expensive order; the expensive order alone
	// pays for U's demand.
	want := []uint64{small.ID, maintenance.ID, big.ID}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Errorf("position %d = order %d, want %d", i, ranked[i].ID, id)
		}
	}
	for _, order := range ranked[:2] {
		if order.TabBasedPriority != 0 {
			t.Errorf("order %d priority = %d, want 0", order.ID, order.TabBasedPriority)
		}
	}
	if ranked[2].TabBasedPriority < 1 {
		t.Errorf("expensive order priority = %d, want >= 1", ranked[2].TabBasedPriority)
	}
}

func TestTabPrice_ZeroLimitError(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	tab := seedTab(t, db, 1, 0)
	seedOrder(t, db, tab.ID, 1, 1, now.Add(-time.Hour))

	strategy := &TabPrice{Registry: testRegistry(t)}
	if _, err := strategy.RankOpenOrders(db, now); err == nil {
		t.Error("zero-limit tabs under demand should be an error")
	}
}

func TestFIFOThrottle_SpreadsOwnerBursts(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	tabU := seedTab(t, db, 1, 1.0)
	tabV := seedTab(t, db, 2, 1.0)

	// U posts three orders within a minute, then V posts one. The
	// throttle pushes U's second and third orders 4 minutes apart, so V
	// slots in right after U's first.
	u1 := seedOrder(t, db, tabU.ID, 1, 1, now.Add(-10*time.Minute))
	u2 := seedOrder(t, db, tabU.ID, 1, 1, now.Add(-10*time.Minute).Add(20*time.Second))
	u3 := seedOrder(t, db, tabU.ID, 1, 1, now.Add(-10*time.Minute).Add(40*time.Second))
	v1 := seedOrder(t, db, tabV.ID, 2, 1, now.Add(-9*time.Minute))

	strategy := &FIFOThrottle{}
	ranked, err := strategy.RankOpenOrders(db, now)
	if err != nil {
		t.Fatalf("RankOpenOrders: %v", err)
	}
	want := []uint64{u1.ID, v1.ID, u2.ID, u3.ID}
	if len(ranked) != len(want) {
		t.Fatalf("ranked %d orders, want %d", len(ranked), len(want))
	}
	for i, id := range want {
		if ranked[i].ID != id {
			t.Errorf("position %d = order %d, want %d", i, ranked[i].ID, id)
		}
	}
}

func TestFIFOThrottle_RecentClosedOrdersStillThrottle(t *testing.T) {
	db := testDB(t)
	now := time.Now()
	tabU := seedTab(t, db, 1, 1.0)
	tabV := seedTab(t, db, 2, 1.0)

	closed := seedOrder(t, db, tabU.ID, 1, 1, now.Add(-3*time.Minute))
	if err := db.Model(&models.Order{}).Where("id = ?", closed.ID).
		Update("status", models.OrderStatusClosed).Error; err != nil {
		t.Fatal(err)
	}
	uOpen := seedOrder(t, db, tabU.ID, 1, 1, now.Add(-2*time.Minute))
	vOpen := seedOrder(t, db, tabV.ID, 2, 1, now.Add(-time.Minute))

	strategy := &FIFOThrottle{}
	ranked, err := strategy.RankOpenOrders(db, now)
	if err != nil {
		t.Fatalf("RankOpenOrders: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("ranked %d orders, want 2", len(ranked))
	}
	// U's open order inherits the throttle from the just-closed one and
	// lands after V despite being created first.
	if ranked[0].ID != vOpen.ID || ranked[1].ID != uOpen.ID {
		t.Errorf("ranked = [%d %d], want [%d %d]", ranked[0].ID, ranked[1].ID, vOpen.ID, uOpen.ID)
	}
}
