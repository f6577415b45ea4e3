/*
scheduler.go - Automated enforcement sweep scheduler

PURPOSE:
  Periodically runs enforcement checks against every tracked user and
  re-attempts pending signal deliveries. Users who crossed a threshold
  between checks get their consequence applied by the sweep rather than
  waiting for the next inbound request.

DESIGN:
  - Runs a background goroutine with configurable sweep interval
  - Each sweep lists tracked users and runs one check per user
  - A failing check never aborts the sweep; it is logged and the sweep
    moves on to the next user
  - After the user pass, flushes the signal outbox

CONFIGURATION:
  - SweepInterval: How often to sweep (default: 1 minute)
  - FlushLimit:    Max outbox rows per flush (default: 100)
  - Enabled:       Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewEnforcementScheduler(store, service, hub)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - enforcement/dispatcher.go: OnCheck, the per-user check
  - enforcement/signals.go: SignalHub.Flush
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/compliance-engine/enforcement"
)

// UserLister enumerates users with a compliance state.
type UserLister interface {
	ListUserIDs(ctx context.Context) ([]string, error)
}

// EnforcementScheduler drives periodic checks and outbox flushes.
type EnforcementScheduler struct {
	Users         UserLister
	Service       *enforcement.Service
	Hub           *enforcement.SignalHub
	SweepInterval time.Duration
	FlushLimit    int
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewEnforcementScheduler creates a new scheduler.
func NewEnforcementScheduler(users UserLister, service *enforcement.Service, hub *enforcement.SignalHub) *EnforcementScheduler {
	return &EnforcementScheduler{
		Users:         users,
		Service:       service,
		Hub:           hub,
		SweepInterval: 1 * time.Minute,
		FlushLimit:    100,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (es *EnforcementScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.SweepInterval)
	es.wg.Add(1)

	go es.run()

	log.Printf("[Scheduler] Started with sweep interval: %v", es.SweepInterval)
}

// Stop stops the scheduler.
func (es *EnforcementScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (es *EnforcementScheduler) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.sweep()

	for {
		select {
		case <-es.ticker.C:
			es.sweep()
		case <-es.stop:
			return
		}
	}
}

func (es *EnforcementScheduler) sweep() {
	ctx := context.Background()

	userIDs, err := es.Users.ListUserIDs(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing users: %v", err)
		return
	}

	escalatedCount := 0
	for _, userID := range userIDs {
		action, err := es.Service.OnCheck(ctx, userID)
		if err != nil {
			log.Printf("[Scheduler] Check failed for %s: %v", userID, err)
			continue
		}
		if action != nil {
			log.Printf("[Scheduler] Escalated %s to tier %d (%s)", userID, action.Tier(), action.Kind())
			escalatedCount++
		}
	}

	delivered, failed, err := es.Hub.Flush(ctx, es.FlushLimit)
	if err != nil {
		log.Printf("[Scheduler] Outbox flush failed: %v", err)
	}

	if escalatedCount > 0 || delivered > 0 || failed > 0 {
		log.Printf("[Scheduler] Sweep completed: %d users, %d escalated, outbox delivered=%d failed=%d",
			len(userIDs), escalatedCount, delivered, failed)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (es *EnforcementScheduler) RunNow() {
	es.sweep()
}

// GetNextRunTime returns when the next scheduled sweep will occur.
func (es *EnforcementScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(es.SweepInterval)
}
