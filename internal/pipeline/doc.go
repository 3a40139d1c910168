// Package pipeline schedules multi-stage analysis tasks.
//
// A Template declares teams of steps. Teams run strictly in order while
// steps inside a team run concurrently once their dependencies finish,
// bounded by a worker pool shared across every task in the process.
// Progress is tracked per task by a Tracker whose snapshots are pushed,
// in transition order, through a ProgressBroadcaster to the websocket
// hub.
package pipeline
