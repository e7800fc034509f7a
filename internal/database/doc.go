// Package database provides connection pool management for the trail archive.
package database
