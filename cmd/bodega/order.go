package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/config"
	"github.com/zulandar/bodega/internal/items/generic"
	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/orders"
	"github.com/zulandar/bodega/internal/registry"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

func newOrderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Order inspection and operator commands",
	}

	cmd.AddCommand(newOrderPlaceCmd())
	cmd.AddCommand(newOrderListCmd())
	cmd.AddCommand(newOrderShowCmd())
	cmd.AddCommand(newOrderExtendCmd())
	cmd.AddCommand(newOrderCloseCmd())
	return cmd
}

func newOrderPlaceCmd() *cobra.Command {
	var (
		configPath  string
		by          string
		file        string
		timeLimit   time.Duration
		maintenance bool
		comment     string
	)

	cmd := &cobra.Command{
		Use:   "place",
		Short: "Place an order from an items file",
		Long:  "Reads the items delta from a YAML file (nickname to type and requirements) and opens the order on the acting user's behalf.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			svc, err := orderService(cfg, codec)
			if err != nil {
				return err
			}
			delta, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read items file: %w", err)
			}
			return runOrderPlace(cmd, gormDB, svc, by, orders.CreateInput{
				ItemsDelta:  string(delta),
				TimeLimit:   timeLimit,
				Maintenance: maintenance,
				Comment:     comment,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().StringVar(&by, "by", "", "acting username (required)")
	cmd.Flags().StringVar(&file, "file", "", "path to the items YAML file (required)")
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "requested lease, e.g. 4h")
	cmd.Flags().BoolVar(&maintenance, "maintenance", false, "place a maintenance order (superusers only)")
	cmd.Flags().StringVar(&comment, "comment", "placed from the command line", "order comment")
	cmd.MarkFlagRequired("by")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runOrderPlace(cmd *cobra.Command, gormDB *gorm.DB, svc *orders.Service, by string, in orders.CreateInput) error {
	var owner models.User
	if err := gormDB.Where("username = ?", by).First(&owner).Error; err != nil {
		return fmt.Errorf("no such user %q", by)
	}
	order, sigs, err := svc.Create(gormDB, &owner, in)
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		if _, err := tasks.Publish(gormDB, sig); err != nil {
			return err
		}
	}
	orderSID, err := svc.Codec.Encode(models.KindOrder, order.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Order %s placed (%s).\n", orderSID, order.Status)
	return nil
}

func newOrderExtendCmd() *cobra.Command {
	var (
		configPath string
		by         string
		delta      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "extend <sid>",
		Short: "Extend an order's time limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			svc, err := orderService(cfg, codec)
			if err != nil {
				return err
			}
			return runOrderExtend(cmd, gormDB, svc, args[0], by, delta)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().StringVar(&by, "by", "", "acting username (required)")
	cmd.Flags().DurationVar(&delta, "delta", time.Hour, "time limit change, negative shrinks (superusers only)")
	cmd.MarkFlagRequired("by")
	return cmd
}

func runOrderExtend(cmd *cobra.Command, gormDB *gorm.DB, svc *orders.Service, orderSID, by string, delta time.Duration) error {
	var caller models.User
	if err := gormDB.Where("username = ?", by).First(&caller).Error; err != nil {
		return fmt.Errorf("no such user %q", by)
	}
	order, err := svc.Lookup(gormDB, orderSID)
	if err != nil {
		return err
	}
	_, sigs, err := svc.Append(gormDB, &caller, order, orders.AppendInput{
		Comment:        fmt.Sprintf("time limit %s from the command line", delta),
		TimeLimitDelta: delta,
	})
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		if _, err := tasks.Publish(gormDB, sig); err != nil {
			return err
		}
	}
	timeLimit, err := orders.TimeLimit(gormDB, order)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Order %s time limit is now %s.\n", orderSID, timeLimit)
	return nil
}

func newOrderListCmd() *cobra.Command {
	var (
		configPath string
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			return runOrderList(cmd, gormDB, codec, status)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (OPEN, FULFILLED, CLOSED)")
	return cmd
}

func runOrderList(cmd *cobra.Command, gormDB *gorm.DB, codec *sid.Codec, status string) error {
	q := gormDB.Preload("Owner").Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var rows []models.Order
	if err := q.Find(&rows).Error; err != nil {
		return fmt.Errorf("list orders: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SID\tSTATUS\tOWNER\tMAINT\tCREATED")
	for i := range rows {
		order := &rows[i]
		orderSID, err := codec.Encode(models.KindOrder, order.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n",
			orderSID, order.Status, order.Owner.Username, order.Maintenance,
			order.TimeCreated.Format(time.RFC3339))
	}
	return w.Flush()
}

func newOrderShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <sid>",
		Short: "Show one order with its items and lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			svc, err := orderService(cfg, codec)
			if err != nil {
				return err
			}
			return runOrderShow(cmd, gormDB, svc, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	return cmd
}

func runOrderShow(cmd *cobra.Command, gormDB *gorm.DB, svc *orders.Service, orderSID string) error {
	out := cmd.OutOrStdout()

	order, err := svc.Lookup(gormDB, orderSID)
	if err != nil {
		return err
	}
	var owner models.User
	if err := gormDB.First(&owner, order.OwnerID).Error; err != nil {
		return fmt.Errorf("load owner: %w", err)
	}

	fmt.Fprintf(out, "Order %s\n", orderSID)
	fmt.Fprintf(out, "Status: %s\n", order.Status)
	fmt.Fprintf(out, "Owner: %s\n", owner.Username)
	if order.Maintenance {
		fmt.Fprintln(out, "Maintenance: true")
	}
	fmt.Fprintf(out, "Created: %s\n", order.TimeCreated.Format(time.RFC3339))

	timeLimit, err := orders.TimeLimit(gormDB, order)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Time limit: %s\n", timeLimit)

	items, err := orders.Items(gormDB, order)
	if err != nil {
		return err
	}
	fulfilled, err := orders.FulfilledItems(gormDB, order)
	if err != nil {
		return err
	}
	nicknames := make([]string, 0, len(items))
	for nickname := range items {
		nicknames = append(nicknames, nickname)
	}
	sort.Strings(nicknames)

	fmt.Fprintln(out, "Items:")
	for _, nickname := range nicknames {
		spec := items[nickname]
		line := fmt.Sprintf("  %s: %s", nickname, spec.Type)
		if itemID, ok := fulfilled[nickname]; ok {
			itemSID, err := svc.Codec.Encode(models.KindItem, itemID)
			if err != nil {
				return err
			}
			line += fmt.Sprintf(" (%s)", itemSID)
		}
		fmt.Fprintln(out, line)
	}

	if order.Status == models.OrderStatusFulfilled {
		ejection, err := orders.EjectionTime(gormDB, order)
		if err != nil {
			return err
		}
		if ejection != nil {
			fmt.Fprintf(out, "Ejection: %s\n", ejection.Format(time.RFC3339))
		}
	}
	return nil
}

func newOrderCloseCmd() *cobra.Command {
	var (
		configPath string
		by         string
		comment    string
	)

	cmd := &cobra.Command{
		Use:   "close <sid>",
		Short: "Close an order on a user's behalf",
		Long:  "Appends a CLOSED update to the order. The acting user must own the order or be a superuser.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			svc, err := orderService(cfg, codec)
			if err != nil {
				return err
			}
			return runOrderClose(cmd, gormDB, svc, args[0], by, comment)
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().StringVar(&by, "by", "", "acting username (required)")
	cmd.Flags().StringVar(&comment, "comment", "closed from the command line", "update comment")
	cmd.MarkFlagRequired("by")
	return cmd
}

func runOrderClose(cmd *cobra.Command, gormDB *gorm.DB, svc *orders.Service, orderSID, by, comment string) error {
	var caller models.User
	if err := gormDB.Where("username = ?", by).First(&caller).Error; err != nil {
		return fmt.Errorf("no such user %q", by)
	}
	order, err := svc.Lookup(gormDB, orderSID)
	if err != nil {
		return err
	}
	_, sigs, err := svc.Append(gormDB, &caller, order, orders.AppendInput{
		Comment:   comment,
		NewStatus: models.OrderStatusClosed,
	})
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		if _, err := tasks.Publish(gormDB, sig); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Order %s closed.\n", orderSID)
	return nil
}

// orderService builds the order service used by operator commands. Only
// the generic item types register; operator updates never add items, so
// type validation for the optional types is not needed here.
func orderService(cfg *config.Config, codec *sid.Codec) (*orders.Service, error) {
	reg := registry.New()
	if err := generic.Register(reg); err != nil {
		return nil, err
	}
	return &orders.Service{
		Registry:                   reg,
		Codec:                      codec,
		MaxOrderTimeLimit:          cfg.MaxOrderTimeLimit.Std(),
		DefaultExpirationTimeLimit: cfg.DefaultExpirationTimeLimit.Std(),
	}, nil
}
