// Package workload drives synthetic tasks into the scheduler on cron
// schedules. It is used to exercise and observe work stealing under load.
//
// Each trigger submits a batch of tasks paced by a shared rate limiter.
package workload
