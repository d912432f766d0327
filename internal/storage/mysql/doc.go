// Package mysql opens MySQL connections for the ledger and the scheduler task
// store and applies the MySQL flavour of the schema migrations.
package mysql
