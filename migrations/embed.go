// Package migrations embeds SQL migration files for use at runtime.
// Embedding makes the runner independent of the working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem, containing every .sql file in
// this directory in lexical apply order.
//
//go:embed *.sql
var FS embed.FS
