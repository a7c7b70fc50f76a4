// Package scheduler runs the service's periodic jobs on github.com/robfig/cron/v3.
//
// Jobs are cron specs with optional seconds ("@every 15m", "0 */15 * * * *"). Each job
// gets a context derived from the scheduler's, an optional timeout and an overlap
// policy. Errors and panics are logged and never stop the scheduler.
//
//	s := scheduler.New(scheduler.Config{Logger: log})
//	_, err := s.AddJob("@every 15m", tick, scheduler.JobOptions{
//		Name:          "report-tick",
//		OverlapPolicy: scheduler.SkipIfRunning,
//	})
//	s.Start()
//	defer s.StopContext(shutdownCtx)
package scheduler
