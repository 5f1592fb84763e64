// Package limiter throttles asynchronous work against a concurrency cap and
// two rolling rate ceilings (per minute, per hour).
//
// Queued work waits in three FIFO lanes (HIGH, MEDIUM, LOW). When a slot is
// free and the rate gate admits, a weighted fair selector picks the lane to
// serve so that every lane with demand makes progress while HIGH is still
// favoured.
//
// The control plane is re-entered on exactly two events: a submission and a
// task settlement. A rate-limit denial arms one retry timer instead of
// polling.
package limiter
