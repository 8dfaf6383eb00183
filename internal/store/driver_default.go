//go:build !sqlite_vec || !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// sqliteDriver is the pure-Go driver; vec0 is unavailable on this build
// and recall uses the exact cosine scan.
const sqliteDriver = "sqlite"
