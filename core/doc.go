// Package core defines the shared data model of toolmesh: conversations and
// their closed message variants, the typed event vocabulary emitted by the
// orchestration loop, tool server identities with their OAuth state, the
// error taxonomy, and the persistence contracts callers supply for protocol
// sessions and token bundles.
//
// Nothing in this package performs I/O. It exists so the loop controller, the
// protocol client and the sampling processor agree on one vocabulary without
// importing each other.
package core
