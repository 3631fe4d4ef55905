// Package session houses concrete implementations of the persistence
// contracts in core: SessionStore for protocol session ids and TokenStore
// for OAuth token bundles. The contracts themselves live in core so higher
// level packages never depend on concrete storage.
//
// Two backends are provided: a volatile in-memory store for tests and
// ephemeral use, and a SQLite-backed store for durable state. Additional
// backends can be added without changing any calling code; only the wiring
// layer decides which implementation to instantiate.
package session
