// Package storage holds the pieces shared by the SQL backends: the embedded
// migration runner used by both the MySQL and the SQLite connections.
package storage
