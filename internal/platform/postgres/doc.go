// Package postgres provides PostgreSQL implementations of the internal/store
// interfaces using database/sql with the pgx driver. It also embeds the goose
// migrations that create the schema.
package postgres
