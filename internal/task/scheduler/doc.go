// Package scheduler keeps the table of deferred and recurring jobs and
// decides when each one fires. Execution is delegated to the task engine;
// the scheduler only computes fire times and submits due jobs.
package scheduler
