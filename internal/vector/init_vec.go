//go:build sqlite_vec && cgo

package vector

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver
	// and switch the store onto that driver. vec.Auto() registers it as
	// an auto-loadable extension.
	vec.Auto()
	driverName = "sqlite3"
}
