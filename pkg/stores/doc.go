// Package stores provides the operation journal. It records every facade
// call with the token it returned, the lifecycle events published while the
// call ran, and an audit trail, in SQLite with embedded migrations.
package stores
