// Package api is the HTTP surface of Bodega: a thin JSON layer over the
// order service. Identity is a bearer token resolved against the users
// table; real authentication lives in front of this server.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/orders"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

// Server handles the REST routes.
type Server struct {
	DB     *gorm.DB
	Orders *orders.Service
	Codec  *sid.Codec
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB     *gorm.DB
	Orders *orders.Service
	Codec  *sid.Codec
	Port   int
	Out    io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("api: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	s := &Server{DB: opts.DB, Orders: opts.Orders, Codec: opts.Codec}
	router := s.Router()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// Router builds the route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	authed := router.Group("/", s.authenticate())
	authed.POST("/orders", s.handleCreateOrder)
	authed.GET("/orders/:sid", s.handleGetOrder)
	authed.POST("/order_updates", s.handleAppendUpdate)
	authed.GET("/items", s.handleListItems)
	authed.GET("/tasks", s.handleListTasks)
	authed.GET("/profile", s.handleProfile)
	return router
}

const userKey = "bodega.user"

// authenticate resolves the bearer token to a user row.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		var user models.User
		err := s.DB.Where("token = ?", token).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown token"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "user lookup failed"})
			return
		}
		c.Set(userKey, &user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	return c.MustGet(userKey).(*models.User)
}

// fail maps service error kinds onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orders.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orders.ErrForbidden):
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseDuration(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", raw, orders.ErrValidation)
	}
	return d, nil
}

// publish inserts the follow-up tasks a service mutation returned.
func (s *Server) publish(sigs []tasks.Signature) error {
	for _, sig := range sigs {
		if _, err := tasks.Publish(s.DB, sig); err != nil {
			return err
		}
	}
	return nil
}

type createOrderRequest struct {
	ItemsDelta          string `json:"items_delta"`
	TimeLimit           string `json:"time_limit"`
	ExpirationTimeLimit string `json:"expiration_time_limit"`
	Maintenance         bool   `json:"maintenance"`
	Comment             string `json:"comment"`
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeLimit, err := parseDuration(req.TimeLimit)
	if err != nil {
		fail(c, err)
		return
	}
	expiration, err := parseDuration(req.ExpirationTimeLimit)
	if err != nil {
		fail(c, err)
		return
	}

	user := currentUser(c)
	order, sigs, err := s.Orders.Create(s.DB, user, orders.CreateInput{
		ItemsDelta:          req.ItemsDelta,
		TimeLimit:           timeLimit,
		ExpirationTimeLimit: expiration,
		Maintenance:         req.Maintenance,
		Comment:             req.Comment,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.publish(sigs); err != nil {
		fail(c, err)
		return
	}

	body, err := s.renderOrder(order)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, body)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.Orders.Lookup(s.DB, c.Param("sid"))
	if err != nil {
		fail(c, err)
		return
	}
	body, err := s.renderOrder(order)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

type appendUpdateRequest struct {
	OrderSID       string `json:"order_sid"`
	Comment        string `json:"comment"`
	ItemsDelta     string `json:"items_delta"`
	TimeLimitDelta string `json:"time_limit_delta"`
	NewStatus      string `json:"new_status"`
	NewOwner       string `json:"new_owner"`
}

func (s *Server) handleAppendUpdate(c *gin.Context) {
	var req appendUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	order, err := s.Orders.Lookup(s.DB, req.OrderSID)
	if err != nil {
		fail(c, err)
		return
	}
	delta, err := parseDuration(req.TimeLimitDelta)
	if err != nil {
		fail(c, err)
		return
	}

	user := currentUser(c)
	update, sigs, err := s.Orders.Append(s.DB, user, order, orders.AppendInput{
		Comment:        req.Comment,
		ItemsDelta:     req.ItemsDelta,
		TimeLimitDelta: delta,
		NewStatus:      req.NewStatus,
		NewOwner:       req.NewOwner,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.publish(sigs); err != nil {
		fail(c, err)
		return
	}

	updateSID, err := s.Codec.Encode(models.KindOrderUpdate, update.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sid":          updateSID,
		"order_sid":    req.OrderSID,
		"comment":      update.Comment,
		"new_status":   update.NewStatus,
		"time_created": update.TimeCreated,
	})
}

func (s *Server) handleListItems(c *gin.Context) {
	q := s.DB.Model(&models.Item{}).Order("id ASC")
	if t := c.Query("type"); t != "" {
		q = q.Where("type = ?", t)
	}
	if state := c.Query("state"); state != "" {
		q = q.Where("state = ?", state)
	} else {
		q = q.Where("state <> ?", models.ItemStateDestroyed)
	}

	var items []models.Item
	if err := q.Find(&items).Error; err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(items))
	for i := range items {
		item := &items[i]
		itemSID, err := s.Codec.Encode(models.KindItem, item.ID)
		if err != nil {
			fail(c, err)
			return
		}
		entry := gin.H{
			"sid":   itemSID,
			"type":  item.Type,
			"state": item.State,
		}
		if item.Held() {
			entry["held_by_kind"] = item.HeldByKind
			holderSID, err := s.holderSID(item)
			if err == nil && holderSID != "" {
				entry["held_by_sid"] = holderSID
			}
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// holderSID encodes the holder reference of a held item. Holder kinds map
// onto SID kinds one to one.
func (s *Server) holderSID(item *models.Item) (string, error) {
	switch item.HeldByKind {
	case models.HolderOrder:
		return s.Codec.Encode(models.KindOrder, item.HeldByID)
	case models.HolderTask:
		return s.Codec.Encode(models.KindTask, item.HeldByID)
	case models.HolderUser:
		return s.Codec.Encode(models.KindUser, item.HeldByID)
	}
	return "", nil
}

func (s *Server) handleListTasks(c *gin.Context) {
	q := s.DB.Model(&models.Task{}).Order("id DESC").Limit(100)
	if state := c.Query("state"); state != "" {
		q = q.Where("state = ?", state)
	}
	var rows []models.Task
	if err := q.Find(&rows).Error; err != nil {
		fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for i := range rows {
		task := &rows[i]
		entry := gin.H{
			"task_id":      task.TaskID,
			"name":         task.Name,
			"state":        task.State,
			"root_id":      task.RootID,
			"time_updated": task.TimeUpdated,
		}
		if task.Result != "" {
			entry["result"] = task.Result
		}
		if task.ETA != nil {
			entry["eta"] = task.ETA
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

func (s *Server) handleProfile(c *gin.Context) {
	user := currentUser(c)
	userSID, err := s.Codec.Encode(models.KindUser, user.ID)
	if err != nil {
		fail(c, err)
		return
	}
	body := gin.H{
		"sid":       userSID,
		"username":  user.Username,
		"email":     user.Email,
		"superuser": user.Superuser,
	}
	var tab models.Tab
	err = s.DB.Where("owner_id = ?", user.ID).First(&tab).Error
	if err == nil {
		body["tab_limit"] = tab.Limit
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, body)
}

// renderOrder assembles the order document: the materialized row plus the
// properties derived from its update log.
func (s *Server) renderOrder(order *models.Order) (gin.H, error) {
	orderSID, err := s.Codec.Encode(models.KindOrder, order.ID)
	if err != nil {
		return nil, err
	}
	timeLimit, err := orders.TimeLimit(s.DB, order)
	if err != nil {
		return nil, err
	}
	specs, err := orders.Items(s.DB, order)
	if err != nil {
		return nil, err
	}

	items := make(gin.H, len(specs))
	for nickname, spec := range specs {
		items[nickname] = gin.H{
			"type":         spec.Type,
			"requirements": spec.Requirements,
		}
	}
	body := gin.H{
		"sid":          orderSID,
		"status":       order.Status,
		"maintenance":  order.Maintenance,
		"time_created": order.TimeCreated,
		"time_limit":   timeLimit.String(),
		"items":        items,
	}

	if order.Status == models.OrderStatusFulfilled {
		fulfilled, err := orders.FulfilledItems(s.DB, order)
		if err != nil {
			return nil, err
		}
		held := make(gin.H, len(fulfilled))
		for nickname, itemID := range fulfilled {
			itemSID, err := s.Codec.Encode(models.KindItem, itemID)
			if err != nil {
				return nil, err
			}
			held[nickname] = itemSID
		}
		body["fulfilled_items"] = held

		ejection, err := orders.EjectionTime(s.DB, order)
		if err != nil {
			return nil, err
		}
		if ejection != nil {
			body["ejection_time"] = ejection
		}
	}
	return body, nil
}
