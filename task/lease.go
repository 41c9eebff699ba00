package task

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LeaseManager is the single-writer resource claim over a task. It
// never mutates task files directly; every operation goes through Store so
// that the lease itself is just another front-matter field subject to the
// same atomic-rewrite discipline as status. It also keeps an in-process
// table of renewal timers, one per held lease, so a dispatched task's lease
// survives past its TTL without the holder having to remember to call Renew.
type LeaseManager struct {
	store       Store
	logger      *slog.Logger
	defaultTTL  time.Duration
	maxRenewals int

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewLeaseManager constructs a LeaseManager. defaultTTL is used by Acquire
// when the caller doesn't specify one; maxRenewals caps how many times a
// single lease may be renewed before the holder must re-acquire (a
// heartbeat-loss guard, not a hard task deadline).
func NewLeaseManager(store Store, defaultTTL time.Duration, maxRenewals int, logger *slog.Logger) *LeaseManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaseManager{
		store:       store,
		logger:      logger,
		defaultTTL:  defaultTTL,
		maxRenewals: maxRenewals,
		timers:      make(map[string]*time.Timer),
	}
}

// Acquire takes out a lease for agent on taskID. A live lease held by
// another agent is refused; agent's own live lease is replaced with a fresh
// one, and a stale/expired one is silently displaced, matching the
// scheduler's own expire-then-reassign flow in §4.5.
func (lm *LeaseManager) Acquire(taskID, agent string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = lm.defaultTTL
	}
	now := time.Now().UTC()
	var lease *Lease
	_, err := lm.store.Update(taskID, func(t *Task) error {
		if t.Lease != nil && !t.Lease.Expired(now) && t.Lease.Agent != agent {
			return fmt.Errorf("%w: task %s already leased by %s", ErrPermissionDenied, taskID, t.Lease.Agent)
		}
		t.Lease = &Lease{Agent: agent, AcquiredAt: now, ExpiresAt: now.Add(ttl), RenewalCount: 0}
		lease = t.Lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	lm.logger.Info("lease acquired", "task", taskID, "agent", agent, "ttl", ttl)
	return lease, nil
}

// Renew extends an existing lease held by agent. Renewal is only valid
// before expiry (§5) and is capped at maxRenewals; once exhausted the
// caller must re-Acquire, which resets the renewal count.
func (lm *LeaseManager) Renew(taskID, agent string, ttl time.Duration) (*Lease, error) {
	if ttl <= 0 {
		ttl = lm.defaultTTL
	}
	now := time.Now().UTC()
	var lease *Lease
	_, err := lm.store.Update(taskID, func(t *Task) error {
		if t.Lease == nil || t.Lease.Agent != agent {
			return fmt.Errorf("%w: %s does not hold the lease on %s", ErrPermissionDenied, agent, taskID)
		}
		if t.Lease.Expired(now) {
			return fmt.Errorf("%w: lease on %s already expired", ErrPermissionDenied, taskID)
		}
		if t.Lease.RenewalCount >= lm.maxRenewals {
			return fmt.Errorf("%w: lease on %s exhausted its %d renewals", ErrPermissionDenied, taskID, lm.maxRenewals)
		}
		t.Lease.ExpiresAt = now.Add(ttl)
		t.Lease.RenewalCount++
		lease = t.Lease
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Release clears agent's lease on taskID. Releasing a lease you don't hold
// is a no-op error, not a panic: agents racing a timeout against a
// release are expected to hit this path occasionally.
func (lm *LeaseManager) Release(taskID, agent string) error {
	_, err := lm.store.Update(taskID, func(t *Task) error {
		if t.Lease == nil {
			return nil
		}
		if t.Lease.Agent != agent {
			return fmt.Errorf("%w: %s does not hold the lease on %s", ErrPermissionDenied, agent, taskID)
		}
		t.Lease = nil
		return nil
	})
	lm.StopRenewal(taskID)
	return err
}

// StartRenewal schedules an in-process timer that calls Renew at half the
// lease's TTL and reschedules itself from the resulting expiry, so a lease
// held across a long-running agent invocation keeps renewing itself without
// the holder polling. It replaces any timer already running for taskID.
func (lm *LeaseManager) StartRenewal(taskID, agent string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = lm.defaultTTL
	}
	lm.scheduleRenewal(taskID, agent, ttl, ttl/2)
}

func (lm *LeaseManager) scheduleRenewal(taskID, agent string, ttl, after time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if existing, ok := lm.timers[taskID]; ok {
		existing.Stop()
	}
	lm.timers[taskID] = time.AfterFunc(after, func() {
		lease, err := lm.Renew(taskID, agent, ttl)
		if err != nil {
			lm.logger.Warn("automatic lease renewal stopped", "task", taskID, "agent", agent, "error", err)
			lm.StopRenewal(taskID)
			return
		}
		lm.scheduleRenewal(taskID, agent, ttl, time.Until(lease.ExpiresAt.Add(-ttl/2)))
	})
}

// StopRenewal cancels taskID's renewal timer, if one is running. Called
// once a task leaves the lease's control, whether by completion, release,
// or expiry.
func (lm *LeaseManager) StopRenewal(taskID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if t, ok := lm.timers[taskID]; ok {
		t.Stop()
		delete(lm.timers, taskID)
	}
}

// Cleanup stops every renewal timer whose task isn't in activeTaskIDs. The
// scheduler calls this once per poll cycle so a task that left in-progress
// between polls (completed, blocked, rejected) doesn't keep renewing a
// lease nobody checks anymore.
func (lm *LeaseManager) Cleanup(activeTaskIDs map[string]bool) {
	lm.mu.Lock()
	var stale []string
	for id := range lm.timers {
		if !activeTaskIDs[id] {
			stale = append(stale, id)
		}
	}
	lm.mu.Unlock()
	for _, id := range stale {
		lm.StopRenewal(id)
	}
}

// RenewAt returns the instant a held lease should next be renewed: halfway
// between its AcquiredAt and ExpiresAt, per §5's renew-at-TTL/2 policy.
func RenewAt(l *Lease) time.Time {
	if l == nil {
		return time.Time{}
	}
	half := l.ExpiresAt.Sub(l.AcquiredAt) / 2
	return l.AcquiredAt.Add(half)
}

// ExpireStale scans in-progress and blocked tasks for leases past expiry
// and clears them, returning the task IDs touched. The scheduler's poll
// cycle calls this as its lease-expiry step (§4.5 step 4) ahead of dispatch
// planning. An in-progress task whose lease expired is returned to ready so
// it's immediately eligible for reassignment; a blocked task's stale lease
// is just cleared, since blocked already reflects operator attention.
func (lm *LeaseManager) ExpireStale(now time.Time) ([]string, error) {
	var expired []string
	for _, status := range []Status{StatusInProgress, StatusBlocked} {
		tasks, err := lm.store.List(ListFilter{Status: status})
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.Lease == nil || !t.Lease.Expired(now) {
				continue
			}
			id, agent, overdue := t.ID, t.Lease.Agent, now.Sub(t.Lease.ExpiresAt)
			reason := fmt.Sprintf("lease held by %s expired %s ago", agent, overdue.Round(time.Second))

			if _, err := lm.store.Update(id, func(t *Task) error {
				t.Lease = nil
				if status == StatusBlocked {
					if t.Metadata == nil {
						t.Metadata = map[string]string{}
					}
					t.Metadata["lastTransitionReason"] = reason
				}
				return nil
			}); err != nil {
				lm.logger.Warn("failed to clear expired lease", "task", id, "error", err)
				continue
			}

			if status == StatusInProgress {
				if _, err := lm.store.Transition(id, StatusReady, TransitionOptions{Reason: reason}); err != nil {
					lm.logger.Warn("failed to return task with expired lease to ready", "task", id, "error", err)
					continue
				}
			}

			lm.StopRenewal(id)
			expired = append(expired, id)
		}
	}
	return expired, nil
}
