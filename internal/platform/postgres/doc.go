// Package postgres provides the PostgreSQL implementation of task.Store
// together with the embedded schema migrations it depends on. Connections are
// opened through the pgx database/sql driver.
package postgres
