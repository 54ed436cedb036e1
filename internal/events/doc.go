// Package events provides the event types and emitter used to publish task
// lifecycle records.
//
// The engine emits a TaskEvent for every accepted submission, status transition,
// dispatch and cancellation. Handlers registered on an EventEmitter receive
// them synchronously; they are the hook for audit trails, notifications and
// tests that observe the exact sequence of transitions. The engine never
// depends on a handler succeeding.
package events
