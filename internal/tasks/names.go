package tasks

// Task names. These are wire identifiers persisted in the tasks table, so
// renaming one strands any rows published under the old name.
const (
	TaskFulfillOpenOrders            = "fulfill_open_orders"
	TaskFulfillOrder                 = "fulfill_order"
	TaskSetItemToMaintenance         = "set_item_to_maintenance"
	TaskProcessOrderTimeLimits       = "process_order_time_limits"
	TaskProcessItemsCleanup          = "process_items_cleanup"
	TaskHandleItemCleanup            = "handle_item_cleanup"
	TaskSendOrderUpdateNotifications = "send_order_update_notifications"

	TaskCreateBasicItem   = "create_basic_item"
	TaskCreateComplexItem = "create_complex_item"
	TaskCreateEc2Instance = "create_ec2_instance"
	TaskRecoverTestbed    = "recover_testbed"
)
