// Package api exposes the HTTP interface of the chat service: conversations,
// user turns, confirmation decisions and a Server-Sent Events stream that
// renders invocation lifecycles as they happen.
package api
