// Package migrations embeds the Postgres schema for documents, audit records,
// action logs and the search outbox.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in lexical order by
// storage.DB.RunMigrations.
//
//go:embed *.sql
var FS embed.FS
