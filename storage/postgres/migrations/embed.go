// Package migrations exposes the embedded SQL migrations for the response
// store.
package migrations

import "embed"

// Files contains the SQL migrations bundled into derivws binaries.
//
//go:embed *.sql
var Files embed.FS
