package dsseserver

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vaultmesh/apocm/internal/logging"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CompactionScheduler runs serverstore.Store.Compact on a cron schedule
// against every user directory the store currently knows about. Grounded
// on the backup scheduler in the pack's NAS server (same cron.Parser
// construction, same lock-guarded start/restart shape), adapted from one
// scheduled job to a sweep over serverstore.Store.ListUsers.
type CompactionScheduler struct {
	server *Server
	mu     sync.Mutex
	runner *cron.Cron
}

// NewCompactionScheduler returns a scheduler bound to server.
func NewCompactionScheduler(server *Server) *CompactionScheduler {
	return &CompactionScheduler{server: server}
}

// Start parses schedule and begins sweeping every user directory each time
// it fires. An empty schedule disables compaction entirely. Calling Start
// again replaces the previous schedule.
func (c *CompactionScheduler) Start(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return fmt.Errorf("dsseserver: invalid compaction schedule: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.runner != nil {
		ctx := c.runner.Stop()
		<-ctx.Done()
	}

	c.runner = cron.New(cron.WithParser(cronParser))
	if _, err := c.runner.AddFunc(schedule, c.runCompaction); err != nil {
		return fmt.Errorf("dsseserver: register compaction job: %w", err)
	}
	c.runner.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (c *CompactionScheduler) Stop() {
	c.mu.Lock()
	runner := c.runner
	c.mu.Unlock()
	if runner == nil {
		return
	}
	<-runner.Stop().Done()
}

func (c *CompactionScheduler) runCompaction() {
	userIDs, err := c.server.store.ListUsers()
	if err != nil {
		c.server.logger.Error("compaction sweep: list users failed", logging.KeyError, err.Error())
		return
	}
	for _, userID := range userIDs {
		lock := c.server.lockFor(userID)
		lock.Lock()
		start := time.Now()
		dropped, err := c.server.store.Compact(userID)
		lock.Unlock()

		if err != nil {
			c.server.logger.Error("compaction failed",
				logging.KeyUserID, userID,
				logging.KeyError, err.Error())
			continue
		}
		c.server.metrics.RecordCompaction(time.Since(start).Seconds(), dropped)
		c.server.logger.Info("compaction completed",
			logging.KeyUserID, userID,
			logging.KeyCount, dropped)
	}
}
