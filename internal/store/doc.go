// Package store defines interfaces for persistence dependencies (finished run
// history and snapshot archives). Implementations live in other packages; this
// package must not import database drivers or concrete clients.
package store
