// Package mysql archives announced realtime snapshots in MySQL. It owns the
// embedded schema migrations and the queries behind /api/stats.
package mysql
