// Package migrations embeds the SQL schema applied at server start.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files of this directory.
//
//go:embed *.sql
var FS embed.FS
