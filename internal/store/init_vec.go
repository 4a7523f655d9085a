//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Registers sqlite-vec as an auto-loadable extension so the vec0 probe
	// in detectVecExtension succeeds.
	vec.Auto()
}
