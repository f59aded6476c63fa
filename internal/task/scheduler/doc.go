// Package scheduler triggers named jobs on cron or interval schedules in the
// organization's time zone.
package scheduler
