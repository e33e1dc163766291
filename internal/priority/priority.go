// Package priority ranks open orders for the fulfillment scheduler. Two
// strategies are selectable at startup; both produce a total order with
// ascending keys, ties broken by creation time.
package priority

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/orders"
	"github.com/zulandar/bodega/internal/registry"
)

// scopeWindow bounds how far back both strategies look at finished orders
// when judging recent demand.
const scopeWindow = 24 * time.Hour

// Strategy produces the scheduler's processing order over OPEN orders.
type Strategy interface {
	RankOpenOrders(db *gorm.DB, now time.Time) ([]models.Order, error)
}

// FIFOThrottle ranks orders first-come-first-served, but pushes each
// owner's next order at least Throttle apart so one owner's burst doesn't
// starve everyone else.
type FIFOThrottle struct {
	Throttle time.Duration
}

// DefaultOwnerThrottle is the spacing applied between one owner's orders.
const DefaultOwnerThrottle = 4 * time.Minute

func (s *FIFOThrottle) throttle() time.Duration {
	if s.Throttle > 0 {
		return s.Throttle
	}
	return DefaultOwnerThrottle
}

func (s *FIFOThrottle) RankOpenOrders(db *gorm.DB, now time.Time) ([]models.Order, error) {
	// Recent non-open orders still consume their owner's throttle slots,
	// so a burst can't be laundered by closing orders quickly.
	var scope []models.Order
	err := db.
		Where("status = ? OR time_created >= ?", models.OrderStatusOpen, now.Add(-scopeWindow)).
		Order("time_created ASC, id ASC").
		Find(&scope).Error
	if err != nil {
		return nil, fmt.Errorf("priority: load fifo scope: %w", err)
	}

	type keyed struct {
		order models.Order
		key   time.Time
	}
	lastAssigned := map[uint64]time.Time{}
	var open []keyed
	for _, order := range scope {
		key := order.TimeCreated
		if last, ok := lastAssigned[order.OwnerID]; ok {
			if throttled := last.Add(s.throttle()); throttled.After(key) {
				key = throttled
			}
		}
		lastAssigned[order.OwnerID] = key
		if order.Status == models.OrderStatusOpen {
			open = append(open, keyed{order: order, key: key})
		}
	}

	sort.SliceStable(open, func(i, j int) bool {
		if !open[i].key.Equal(open[j].key) {
			return open[i].key.Before(open[j].key)
		}
		return open[i].order.TimeCreated.Before(open[j].order.TimeCreated)
	})
	ranked := make([]models.Order, len(open))
	for i, k := range open {
		ranked[i] = k.order
	}
	return ranked, nil
}

// TabPrice ranks orders by how much of their tab's fair share they would
// consume: the order's price plus what the tab already has fulfilled,
// relative to the tab's limit and the median demand across tabs. The 1.2
// headroom factor and the floor keep small differences from inverting
// plain FIFO.
type TabPrice struct {
	Registry *registry.Registry
}

func (s *TabPrice) RankOpenOrders(db *gorm.DB, now time.Time) ([]models.Order, error) {
	var scope []models.Order
	err := db.
		Where("status = ? OR (status = ? AND time_created >= ?)",
			models.OrderStatusOpen, models.OrderStatusFulfilled, now.Add(-scopeWindow)).
		Order("time_created ASC, id ASC").
		Find(&scope).Error
	if err != nil {
		return nil, fmt.Errorf("priority: load tab scope: %w", err)
	}
	if len(scope) == 0 {
		return nil, nil
	}

	prices := make(map[uint64]float64, len(scope))
	tabDemand := map[uint64]float64{}
	fulfilledPrice := map[uint64]float64{}
	for i := range scope {
		order := &scope[i]
		price, err := s.orderPrice(db, order)
		if err != nil {
			return nil, err
		}
		prices[order.ID] = price
		tabDemand[order.TabID] += price
		if order.Status == models.OrderStatusFulfilled {
			fulfilledPrice[order.TabID] += price
		}
	}

	limits, err := tabLimits(db, tabDemand)
	if err != nil {
		return nil, err
	}
	median, err := medianDemand(tabDemand, limits)
	if err != nil {
		return nil, err
	}

	var open []models.Order
	for i := range scope {
		if scope[i].Status == models.OrderStatusOpen {
			open = append(open, scope[i])
		}
	}
	for i := range open {
		order := &open[i]
		order.TabBasedPriority = s.priorityOf(order, prices[order.ID], fulfilledPrice[order.TabID], limits[order.TabID], median)
		if err := db.Model(&models.Order{}).Where("id = ?", order.ID).
			Update("tab_based_priority", order.TabBasedPriority).Error; err != nil {
			return nil, fmt.Errorf("priority: write back priority of order %d: %w", order.ID, err)
		}
	}

	sort.SliceStable(open, func(i, j int) bool {
		if open[i].TabBasedPriority != open[j].TabBasedPriority {
			return open[i].TabBasedPriority < open[j].TabBasedPriority
		}
		return open[i].TimeCreated.Before(open[j].TimeCreated)
	})
	return open, nil
}

func (s *TabPrice) priorityOf(order *models.Order, price, fulfilled, limit, median float64) int {
	if order.Maintenance {
		return 0
	}
	if limit <= 0 || median <= 0 {
		return 0
	}
	return int(math.Floor(((price + fulfilled) / limit) / (1.2 * median)))
}

// orderPrice sums the hourly price of every requested item; maintenance
// orders are free so they rank ahead of everything.
func (s *TabPrice) orderPrice(db *gorm.DB, order *models.Order) (float64, error) {
	if order.Maintenance {
		return 0, nil
	}
	items, err := orders.Items(db, order)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for nickname, spec := range items {
		t, ok := s.Registry.Lookup(spec.Type)
		if !ok {
			return 0, fmt.Errorf("priority: item %q has unknown type %q", nickname, spec.Type)
		}
		total += t.Manager.Price(spec.Requirements)
	}
	return total, nil
}

func tabLimits(db *gorm.DB, demand map[uint64]float64) (map[uint64]float64, error) {
	ids := make([]uint64, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	var tabs []models.Tab
	if err := db.Where("id IN ?", ids).Find(&tabs).Error; err != nil {
		return nil, fmt.Errorf("priority: load tabs: %w", err)
	}
	limits := make(map[uint64]float64, len(tabs))
	for _, tab := range tabs {
		limits[tab.ID] = tab.Limit
	}
	return limits, nil
}

// medianDemand computes the median of demand-per-limit across tabs,
// skipping zero-limit tabs. All-zero limits under real demand is a
// configuration error, not a quiet zero.
func medianDemand(demand, limits map[uint64]float64) (float64, error) {
	var ratios []float64
	totalDemand := 0.0
	for tabID, d := range demand {
		totalDemand += d
		if limits[tabID] <= 0 {
			continue
		}
		ratios = append(ratios, d/limits[tabID])
	}
	if len(ratios) == 0 {
		if totalDemand > 0 {
			return 0, fmt.Errorf("priority: all tabs have zero limit under non-zero demand")
		}
		return 0, nil
	}
	sort.Float64s(ratios)
	mid := len(ratios) / 2
	if len(ratios)%2 == 1 {
		return ratios[mid], nil
	}
	return (ratios[mid-1] + ratios[mid]) / 2, nil
}
