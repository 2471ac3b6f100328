// Package scheduler triggers named jobs on cron or interval schedules.
//
// A job never overlaps with itself: a trigger that fires while the previous
// run is still going is skipped and counted. Each run gets the configured
// timeout, and a panic is recovered and logged.
package scheduler
