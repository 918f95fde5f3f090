// Package bootstrap creates the engine's tables on startup. Every statement
// is CREATE TABLE IF NOT EXISTS, so running it against an existing database
// is a no-op.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// engineDDL lists the tables in dependency order. wf_event uses an
// AUTO_INCREMENT sequence as primary key so the append order of the event
// log is total even when timestamps collide.
var engineDDL = []struct {
	table string
	ddl   string
}{
	{"wf_definition", "CREATE TABLE IF NOT EXISTS `wf_definition` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `name` VARCHAR(255) NOT NULL,\n" +
		"  `description` TEXT,\n" +
		"  `status` VARCHAR(20) NOT NULL DEFAULT 'Draft',\n" +
		"  `version_number` INT NOT NULL DEFAULT 1,\n" +
		"  `trigger_type` VARCHAR(20) NOT NULL,\n" +
		"  `trigger_entity_type` VARCHAR(100),\n" +
		"  `trigger_events` TEXT,\n" +
		"  `trigger_condition` TEXT,\n" +
		"  `priority` INT NOT NULL DEFAULT 0,\n" +
		"  `created_by_id` VARCHAR(36),\n" +
		"  `created_date` DATETIME(6) NOT NULL,\n" +
		"  `last_modified_date` DATETIME(6) NOT NULL,\n" +
		"  `published_date` DATETIME(6),\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  KEY `idx_wf_definition_trigger` (`status`, `trigger_type`, `trigger_entity_type`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_step", "CREATE TABLE IF NOT EXISTS `wf_step` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `definition_id` VARCHAR(36) NOT NULL,\n" +
		"  `step_key` VARCHAR(100) NOT NULL,\n" +
		"  `name` VARCHAR(255) NOT NULL,\n" +
		"  `step_type` VARCHAR(30) NOT NULL,\n" +
		"  `configuration` MEDIUMTEXT,\n" +
		"  `transitions` TEXT,\n" +
		"  `timeout_minutes` INT,\n" +
		"  `timeout_action` VARCHAR(20),\n" +
		"  `retry_policy` TEXT,\n" +
		"  `is_start_step` TINYINT(1) NOT NULL DEFAULT 0,\n" +
		"  `step_order` INT NOT NULL DEFAULT 0,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  UNIQUE KEY `uk_wf_step_key` (`definition_id`, `step_key`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_definition_version", "CREATE TABLE IF NOT EXISTS `wf_definition_version` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `definition_id` VARCHAR(36) NOT NULL,\n" +
		"  `version_number` INT NOT NULL,\n" +
		"  `snapshot` MEDIUMTEXT NOT NULL,\n" +
		"  `change_notes` TEXT,\n" +
		"  `created_by_id` VARCHAR(36),\n" +
		"  `created_date` DATETIME(6) NOT NULL,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  UNIQUE KEY `uk_wf_definition_version` (`definition_id`, `version_number`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_instance", "CREATE TABLE IF NOT EXISTS `wf_instance` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `definition_id` VARCHAR(36) NOT NULL,\n" +
		"  `definition_version` INT NOT NULL DEFAULT 1,\n" +
		"  `entity_type` VARCHAR(100) NOT NULL,\n" +
		"  `entity_id` VARCHAR(36) NOT NULL,\n" +
		"  `status` VARCHAR(20) NOT NULL,\n" +
		"  `current_step_key` VARCHAR(100),\n" +
		"  `active_step_keys` TEXT,\n" +
		"  `join_states` TEXT,\n" +
		"  `lock_version` INT NOT NULL DEFAULT 0,\n" +
		"  `processing_worker_id` VARCHAR(100),\n" +
		"  `processing_started_at` DATETIME(6),\n" +
		"  `error_message` TEXT,\n" +
		"  `retry_count` INT NOT NULL DEFAULT 0,\n" +
		"  `next_retry_at` DATETIME(6),\n" +
		"  `parent_instance_id` VARCHAR(36),\n" +
		"  `parent_step_key` VARCHAR(100),\n" +
		"  `started_by_id` VARCHAR(36),\n" +
		"  `started_at` DATETIME(6) NOT NULL,\n" +
		"  `completed_at` DATETIME(6),\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  KEY `idx_wf_instance_entity` (`entity_type`, `entity_id`),\n" +
		"  KEY `idx_wf_instance_definition` (`definition_id`, `status`),\n" +
		"  KEY `idx_wf_instance_retention` (`status`, `completed_at`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_context_variable", "CREATE TABLE IF NOT EXISTS `wf_context_variable` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `instance_id` VARCHAR(36) NOT NULL,\n" +
		"  `var_key` VARCHAR(255) NOT NULL,\n" +
		"  `value_type` VARCHAR(20) NOT NULL,\n" +
		"  `value` MEDIUMTEXT,\n" +
		"  `set_by_step_key` VARCHAR(100),\n" +
		"  `is_encrypted` TINYINT(1) NOT NULL DEFAULT 0,\n" +
		"  `is_system_variable` TINYINT(1) NOT NULL DEFAULT 0,\n" +
		"  `last_modified_date` DATETIME(6) NOT NULL,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  UNIQUE KEY `uk_wf_context_variable` (`instance_id`, `var_key`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_event", "CREATE TABLE IF NOT EXISTS `wf_event` (\n" +
		"  `sequence` BIGINT NOT NULL AUTO_INCREMENT,\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `instance_id` VARCHAR(36) NOT NULL,\n" +
		"  `event_type` VARCHAR(50) NOT NULL,\n" +
		"  `step_key` VARCHAR(100),\n" +
		"  `timestamp` DATETIME(6) NOT NULL,\n" +
		"  `actor` VARCHAR(100),\n" +
		"  `input` MEDIUMTEXT,\n" +
		"  `output` MEDIUMTEXT,\n" +
		"  `duration_ms` BIGINT,\n" +
		"  `error_details` TEXT,\n" +
		"  `severity` VARCHAR(10) NOT NULL DEFAULT 'Info',\n" +
		"  PRIMARY KEY (`sequence`),\n" +
		"  UNIQUE KEY `uk_wf_event_id` (`id`),\n" +
		"  KEY `idx_wf_event_instance` (`instance_id`, `timestamp`, `sequence`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_task", "CREATE TABLE IF NOT EXISTS `wf_task` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `instance_id` VARCHAR(36) NOT NULL,\n" +
		"  `step_key` VARCHAR(100) NOT NULL,\n" +
		"  `title` VARCHAR(255) NOT NULL,\n" +
		"  `instructions` TEXT,\n" +
		"  `status` VARCHAR(20) NOT NULL,\n" +
		"  `assignment_type` VARCHAR(20) NOT NULL,\n" +
		"  `assigned_to` VARCHAR(100),\n" +
		"  `available_actions` TEXT,\n" +
		"  `due_at` DATETIME(6),\n" +
		"  `claimed_by_id` VARCHAR(36),\n" +
		"  `claimed_at` DATETIME(6),\n" +
		"  `completed_by_id` VARCHAR(36),\n" +
		"  `completed_at` DATETIME(6),\n" +
		"  `action_taken` VARCHAR(100),\n" +
		"  `form_data` MEDIUMTEXT,\n" +
		"  `escalation_level` INT NOT NULL DEFAULT 0,\n" +
		"  `reminder_count` INT NOT NULL DEFAULT 0,\n" +
		"  `created_date` DATETIME(6) NOT NULL,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  KEY `idx_wf_task_instance` (`instance_id`),\n" +
		"  KEY `idx_wf_task_assignee` (`assigned_to`, `status`),\n" +
		"  KEY `idx_wf_task_overdue` (`status`, `due_at`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_job", "CREATE TABLE IF NOT EXISTS `wf_job` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `job_type` VARCHAR(50) NOT NULL,\n" +
		"  `status` VARCHAR(20) NOT NULL,\n" +
		"  `instance_id` VARCHAR(36),\n" +
		"  `step_key` VARCHAR(100),\n" +
		"  `priority` INT NOT NULL DEFAULT 0,\n" +
		"  `scheduled_at` DATETIME(6) NOT NULL,\n" +
		"  `visibility_timeout_at` DATETIME(6),\n" +
		"  `processing_worker_id` VARCHAR(100),\n" +
		"  `attempt_count` INT NOT NULL DEFAULT 0,\n" +
		"  `max_attempts` INT NOT NULL DEFAULT 3,\n" +
		"  `backoff_seconds` INT NOT NULL DEFAULT 0,\n" +
		"  `backoff_exponential` BOOLEAN NOT NULL DEFAULT FALSE,\n" +
		"  `payload` MEDIUMTEXT,\n" +
		"  `correlation_id` VARCHAR(100),\n" +
		"  `last_error` TEXT,\n" +
		"  `created_date` DATETIME(6) NOT NULL,\n" +
		"  `last_modified_date` DATETIME(6) NOT NULL,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  KEY `idx_wf_job_lease` (`status`, `scheduled_at`, `priority`),\n" +
		"  KEY `idx_wf_job_instance` (`instance_id`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_schedule", "CREATE TABLE IF NOT EXISTS `wf_schedule` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `definition_id` VARCHAR(36) NOT NULL,\n" +
		"  `cron_expression` VARCHAR(100) NOT NULL,\n" +
		"  `timezone` VARCHAR(64) NOT NULL DEFAULT 'UTC',\n" +
		"  `entity_type` VARCHAR(100),\n" +
		"  `entity_id` VARCHAR(36),\n" +
		"  `starts_at` DATETIME(6),\n" +
		"  `ends_at` DATETIME(6),\n" +
		"  `is_enabled` TINYINT(1) NOT NULL DEFAULT 1,\n" +
		"  `last_triggered_at` DATETIME(6),\n" +
		"  `next_trigger_at` DATETIME(6),\n" +
		"  `execution_count` BIGINT NOT NULL DEFAULT 0,\n" +
		"  `created_date` DATETIME(6) NOT NULL,\n" +
		"  `last_modified_date` DATETIME(6) NOT NULL,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  KEY `idx_wf_schedule_due` (`is_enabled`, `next_trigger_at`),\n" +
		"  KEY `idx_wf_schedule_definition` (`definition_id`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},

	{"wf_api_credential", "CREATE TABLE IF NOT EXISTS `wf_api_credential` (\n" +
		"  `id` VARCHAR(36) NOT NULL,\n" +
		"  `name` VARCHAR(100) NOT NULL,\n" +
		"  `auth_type` VARCHAR(20) NOT NULL,\n" +
		"  `encrypted_secret` TEXT NOT NULL,\n" +
		"  `header_name` VARCHAR(100),\n" +
		"  `expires_at` DATETIME(6),\n" +
		"  `is_enabled` TINYINT(1) NOT NULL DEFAULT 1,\n" +
		"  `created_date` DATETIME(6) NOT NULL,\n" +
		"  `last_modified_date` DATETIME(6) NOT NULL,\n" +
		"  PRIMARY KEY (`id`),\n" +
		"  UNIQUE KEY `uk_wf_api_credential_name` (`name`)\n" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci"},
}

// EnsureSchema creates every engine table that does not already exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, t := range engineDDL {
		if _, err := db.ExecContext(ctx, t.ddl); err != nil {
			log.Printf("❌ Failed to create table %s: %v", t.table, err)
			return fmt.Errorf("failed to create table %s: %w", t.table, err)
		}
	}
	log.Printf("✅ Schema ready (%d tables)", len(engineDDL))
	return nil
}
