package scheduler

// This file demonstrates how to set up and use the scheduler
// It's not meant to be executed directly, but shows the intended usage pattern

/*
Example usage in main.go or setup function:

func setupScheduler(cfg *config.Config, catalog *vtcatalog.Catalog, feedLock *feedlock.Lock, ready feedcheck.Ready) *scheduler.Scheduler {
	s := scheduler.New()

	// Feed check job: poll the feed directory for a new VT feed version and
	// reload the catalog under the feed lock.
	if cfg.JobsFeedCheckEnabled {
		feedCheckJob := feedcheck.NewJob(catalog, feedLock, cfg.FeedDir, ready)
		s.AddJob(
			feedCheckJob,
			scheduler.NewIntervalSchedule(cfg.JobsFeedCheckInterval),
			scheduler.JobConfig{
				Enabled: true,
				Timeout: cfg.JobsFeedCheckTimeout,
			},
		)
	}

	return s
}

func main() {
	// Create scheduler
	s := setupScheduler(cfg, catalog, feedLock, ready)

	// Start scheduler
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down scheduler...")
	if err := s.Stop(); err != nil {
		log.Printf("Error stopping scheduler: %v", err)
	}
}

// Example of manually triggering a job (e.g., from HTTP endpoint)
func handleManualTrigger(s *scheduler.Scheduler, jobName string) {
	if err := s.RunJobNow(jobName); err != nil {
		log.Printf("Failed to trigger job %s: %v", jobName, err)
	}
}
*/
