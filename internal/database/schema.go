package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema creates the pipeline tables.  Every statement is idempotent so
// Migrate can run on each deploy.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS inventory_items (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		venue_event_id BIGINT UNSIGNED NOT NULL,
		kind ENUM('ga','vip_table') NOT NULL DEFAULT 'ga',
		name VARCHAR(255) NOT NULL,
		capacity INT UNSIGNED NOT NULL,
		remaining INT UNSIGNED NOT NULL,
		guests_per_unit INT UNSIGNED NOT NULL DEFAULT 1,
		KEY idx_inventory_event (venue_event_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		venue_event_id BIGINT UNSIGNED NOT NULL,
		purchaser_name VARCHAR(255) NOT NULL,
		purchaser_email VARCHAR(255) NOT NULL,
		payment_reference VARCHAR(255) NOT NULL,
		status ENUM('PENDING','PAID','CANCELLED','REFUNDED') NOT NULL,
		subtotal_cents BIGINT NOT NULL,
		fees_cents BIGINT NOT NULL,
		total_cents BIGINT NOT NULL,
		currency CHAR(3) NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uq_orders_payment_reference (payment_reference),
		KEY idx_orders_event (venue_event_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		order_id BIGINT UNSIGNED NOT NULL,
		inventory_item_id BIGINT UNSIGNED NOT NULL,
		quantity INT UNSIGNED NOT NULL,
		unit_amount_cents BIGINT NOT NULL,
		CONSTRAINT fk_order_items_order FOREIGN KEY (order_id) REFERENCES orders(id),
		CONSTRAINT fk_order_items_inventory FOREIGN KEY (inventory_item_id) REFERENCES inventory_items(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		order_id BIGINT UNSIGNED NOT NULL,
		inventory_item_id BIGINT UNSIGNED NOT NULL,
		token VARCHAR(64) NOT NULL,
		signature VARCHAR(128) NOT NULL,
		status ENUM('ISSUED','USED','CANCELLED','REFUNDED') NOT NULL,
		holder_name VARCHAR(255) NOT NULL DEFAULT '',
		used_at DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_tickets_token (token),
		KEY idx_tickets_order (order_id),
		CONSTRAINT fk_tickets_order FOREIGN KEY (order_id) REFERENCES orders(id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS idempotency_records (
		idem_key VARCHAR(255) NOT NULL,
		pipeline VARCHAR(64) NOT NULL,
		status ENUM('pending','complete','error') NOT NULL,
		cached_status INT NOT NULL DEFAULT 0,
		cached_body MEDIUMBLOB NULL,
		metadata JSON NULL,
		locked_at DATETIME(6) NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		PRIMARY KEY (idem_key, pipeline),
		KEY idx_idempotency_expires (expires_at),
		KEY idx_idempotency_pending (pipeline, status, locked_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS payment_events (
		event_id VARCHAR(255) NOT NULL PRIMARY KEY,
		event_type VARCHAR(64) NOT NULL,
		payload MEDIUMBLOB NOT NULL,
		signature_header VARCHAR(512) NOT NULL,
		received_at DATETIME NOT NULL,
		KEY idx_payment_events_received (received_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS payment_failures (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		event_reference VARCHAR(255) NOT NULL,
		payment_reference VARCHAR(255) NOT NULL DEFAULT '',
		customer_contact VARCHAR(255) NOT NULL DEFAULT '',
		amount_cents BIGINT NOT NULL,
		currency CHAR(3) NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL,
		reason VARCHAR(64) NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_by VARCHAR(255) NULL,
		resolved_at DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		KEY idx_payment_failures_resolved (resolved)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS notification_outbox (
		id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
		message_id CHAR(36) NOT NULL,
		kind VARCHAR(64) NOT NULL,
		payload JSON NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		published_at DATETIME NULL,
		UNIQUE KEY uq_outbox_message (message_id),
		KEY idx_outbox_pending (published_at, id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate applies the schema statements in order.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
