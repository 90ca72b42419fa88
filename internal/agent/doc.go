// Package agent contains the conversation orchestrator. It drives one user
// turn through the model backend, dispatches the tool calls of every step to
// the invocation reducer, waits until all of them are terminal and feeds the
// results back to the model until it stops asking for tools or the step
// budget runs out.
package agent
