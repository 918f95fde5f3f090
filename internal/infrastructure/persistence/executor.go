package persistence

import (
	"context"
	"database/sql"
)

// Executor interface for db/tx flexibility
type Executor interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Engine table names
const (
	TableDefinition        = "wf_definition"
	TableStep              = "wf_step"
	TableDefinitionVersion = "wf_definition_version"
	TableInstance          = "wf_instance"
	TableContextVariable   = "wf_context_variable"
	TableEvent             = "wf_event"
	TableTask              = "wf_task"
	TableJob               = "wf_job"
	TableSchedule          = "wf_schedule"
	TableApiCredential     = "wf_api_credential"
)
