package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id VARCHAR(64) PRIMARY KEY,
			type VARCHAR(16) NOT NULL,
			encryption_enabled_at DATETIME(6) NULL,
			encryption_mode VARCHAR(16) NULL,
			encryption_protocol VARCHAR(32) NULL,
			server_encryption_key_id VARCHAR(64) NULL,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id VARCHAR(64) NOT NULL,
			user_id VARCHAR(64) NOT NULL,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,

		// One key per conversation; the unique index arbitrates concurrent provisioning.
		`CREATE TABLE IF NOT EXISTS conversation_keys (
			key_id VARCHAR(64) PRIMARY KEY,
			conversation_id VARCHAR(64) NOT NULL,
			wrapped_key VARBINARY(128) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uq_conversation_keys_conversation (conversation_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(64) PRIMARY KEY,
			conversation_id VARCHAR(64) NOT NULL,
			sender_id VARCHAR(64) NOT NULL,
			message_type VARCHAR(32) NOT NULL,
			content MEDIUMTEXT NULL,
			encrypted_content MEDIUMTEXT NULL,
			encryption_metadata JSON NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_messages_conversation_created (conversation_id, created_at),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		) ENGINE=InnoDB`,

		`CREATE TABLE IF NOT EXISTS key_backups (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			device_id VARCHAR(128) NOT NULL,
			blob_data MEDIUMBLOB NOT NULL,
			version INT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			UNIQUE KEY uq_key_backups_device (user_id, device_id)
		) ENGINE=InnoDB`,
	}

	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
