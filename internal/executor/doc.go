// Package executor implements the executor side of the bridge's pull contract.
//
// An executor cannot accept inbound connections, so it registers with the
// bridge, polls for queued tasks and pushes each result back:
//
//	POST /plugin/connect        register (repeated after the bridge comes back)
//	GET  /plugin/get-requests   every queued task, until its result is pushed
//	POST /plugin/send-response  result or error for one task
//
// The bridge does not remove a task when it is pulled, so the Poller tracks
// tasks it is already running and never starts the same task twice.
// Concurrency is bounded; tasks that don't fit are picked up on a later poll.
//
// Canvas is an in-memory document that implements the canvas operations, so
// the bridge can be exercised end to end without the host application.
package executor
