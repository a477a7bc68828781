package postgres

import "embed"

// Migrations holds the goose SQL migrations, applied by cmd/server and by
// the integration test helpers.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations that goose reads.
const MigrationsDir = "migrations"
