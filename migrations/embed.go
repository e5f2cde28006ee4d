// Package migrations embeds the SQL schema so the manager binary is self-contained.
package migrations

import "embed"

// FS contains all *.sql migration files embedded at compile time. Files are applied in name order.
//
//go:embed *.sql
var FS embed.FS
