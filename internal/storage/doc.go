// Package storage provides the raw key/value primitive: a SQLite-backed store
// with embedded schema migrations, an in-memory store, and the coded error
// taxonomy shared by the engines layered on top.
package storage
