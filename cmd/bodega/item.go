package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/zulandar/bodega/internal/models"
	"github.com/zulandar/bodega/internal/sid"
	"github.com/zulandar/bodega/internal/tasks"
)

func newItemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Item inspection and operator commands",
	}

	cmd.AddCommand(newItemListCmd())
	cmd.AddCommand(newItemMaintenanceCmd())
	return cmd
}

func newItemListCmd() *cobra.Command {
	var (
		configPath string
		itemType   string
		state      string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List items",
		Long:  "Lists items in the inventory. Destroyed items are hidden unless asked for with --state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			return runItemList(cmd, gormDB, codec, itemType, state)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	cmd.Flags().StringVar(&itemType, "type", "", "filter by item type")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (ACTIVE, MAINTENANCE, DESTROYED)")
	return cmd
}

func runItemList(cmd *cobra.Command, gormDB *gorm.DB, codec *sid.Codec, itemType, state string) error {
	q := gormDB.Order("id ASC")
	if itemType != "" {
		q = q.Where("type = ?", itemType)
	}
	if state != "" {
		q = q.Where("state = ?", state)
	} else {
		q = q.Where("state <> ?", models.ItemStateDestroyed)
	}
	var items []models.Item
	if err := q.Find(&items).Error; err != nil {
		return fmt.Errorf("list items: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SID\tTYPE\tSTATE\tHELD BY")
	for i := range items {
		item := &items[i]
		itemSID, err := codec.Encode(models.KindItem, item.ID)
		if err != nil {
			return err
		}
		holder := "-"
		if item.Held() {
			holder = fmt.Sprintf("%s %d", item.HeldByKind, item.HeldByID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", itemSID, item.Type, item.State, holder)
	}
	return w.Flush()
}

func newItemMaintenanceCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "maintenance <sid>",
		Short: "Flag an item for maintenance",
		Long:  "Publishes the task that flips the item to MAINTENANCE, so cleanup routes it to maintenance orders instead of the open shelf.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			codec, err := loadCodec()
			if err != nil {
				return err
			}
			return runItemMaintenance(cmd, gormDB, codec, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "bodega.yaml", "path to Bodega config file")
	return cmd
}

func runItemMaintenance(cmd *cobra.Command, gormDB *gorm.DB, codec *sid.Codec, itemSID string) error {
	// Validate the SID against a live row before queueing anything.
	id, err := codec.Decode(models.KindItem, itemSID)
	if err != nil {
		return fmt.Errorf("bad item sid %q", itemSID)
	}
	var item models.Item
	if err := gormDB.First(&item, id).Error; err != nil {
		return fmt.Errorf("no such item %q", itemSID)
	}
	if item.State == models.ItemStateDestroyed {
		return fmt.Errorf("item %q is destroyed", itemSID)
	}

	task, err := tasks.Publish(gormDB, tasks.Signature{
		Name: tasks.TaskSetItemToMaintenance,
		Args: map[string]interface{}{"item_sid": itemSID},
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s for item %s (task %s)\n",
		tasks.TaskSetItemToMaintenance, itemSID, task.TaskID)
	return nil
}
