// Package mysql persists conversations, their messages and invocation records
// in MySQL. Schema changes ship as embedded SQL migrations applied at startup.
package mysql
