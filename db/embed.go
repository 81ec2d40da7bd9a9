// Package db embeds the goose migration files for every supported
// storage backend.
package db

import "embed"

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql migrations/clickhouse/*.sql
var MigrationsFS embed.FS
