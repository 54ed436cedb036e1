// Package api exposes the task engine over HTTP. Handlers translate JSON
// requests into engine operations and map engine errors to status codes
// without leaking internal details.
package api
