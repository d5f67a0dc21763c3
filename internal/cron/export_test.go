package cron

import "context"

// Tick runs one polling pass synchronously.
func (s *Scheduler) Tick(ctx context.Context) { s.tick(ctx) }
