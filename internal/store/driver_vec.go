//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// sqliteDriver is the cgo driver with the sqlite-vec extension, which
// provides the vec0 ANN virtual table.
const sqliteDriver = "sqlite3"

func init() {
	// vec.Auto() registers sqlite-vec as an auto-loadable extension.
	vec.Auto()
}
