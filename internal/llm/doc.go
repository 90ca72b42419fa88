// Package llm contains the provider-neutral chat types used by the
// orchestrator and the adapters that stream completions from remote and local
// model backends.
package llm
