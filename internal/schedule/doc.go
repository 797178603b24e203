// Package schedule maps schedule requests onto the trigger scheduler.
//
// A request (schedule name, task definition, deployment properties, command
// line arguments) becomes one job plus one cron trigger keyed by the schedule
// name. The job carries the launch metadata as a JSON blob; at fire time
// ExecutionJob decodes it and hands it to a Launcher.
package schedule
