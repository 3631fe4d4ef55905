// Package loop drives the agentic conversation loop: stream one completion,
// finalize the assistant message, dispatch any tool calls concurrently, wait
// for all results, repeat. The Runner owns the per-run event stream and the
// tool routing table; it is the only component that mutates a conversation
// while a run is active.
package loop
