// Package model defines the streaming LLM backend abstraction consumed by the
// loop controller and the sampling processor. Concrete adapters live in the
// openai and anthropic subpackages; MockModel provides a scriptable fake for
// deterministic tests.
package model
