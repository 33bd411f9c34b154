// Package sched executes graphs of pure chunk tasks.
//
// The volume package expresses a computation as a list of Tasks, each naming
// the tasks it depends on. A Scheduler runs them so that a task only starts
// after every dependency completed successfully. Tasks must be pure functions
// of their declared inputs, so the order in which independent tasks run never
// changes the result.
//
// Local is the in-process implementation: a fixed pool of worker goroutines
// fed by a ready queue. Distributed schedulers only need to satisfy the same
// Scheduler interface.
package sched
