package storage

// The cgo driver registers itself as DriverSQLite3. Without cgo it compiles
// to a stub that fails on open, so DriverSQLite stays the default.
import _ "github.com/mattn/go-sqlite3"
