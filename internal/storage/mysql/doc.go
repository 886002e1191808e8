// Package mysql implements the ledger store on MySQL. It owns the embedded
// schema migrations and maps duplicate-key violations on consumed nonces to
// replay errors.
package mysql
