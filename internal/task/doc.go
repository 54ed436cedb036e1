// Package task is the background processing engine: it accepts batches of
// tasks with dependencies, dispatches ready tasks to workers, retries
// transient failures with backoff and spawns follow-up tasks.
//
// Every state change goes through the Store's compare-and-set, which makes
// the Store the only coordination point. Engines, worker pools and runners in
// any number of processes can share one Store.
package task
