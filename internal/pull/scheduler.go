package pull

import (
	"context"
	"fmt"

	"github.com/statsd-core/statsd/internal/event"
)

// RegisterReceiver inserts or updates a subscription (§4.5). It is
// idempotent with respect to recv's identity: re-registering the same
// Receiver for the same tag updates its interval/next-fire rather than
// creating a second subscription.
func (r *Registry) RegisterReceiver(tagID uint32, recv Receiver, nextPullElapsedNS, intervalNS int64) (Handle, error) {
	if intervalNS <= 0 {
		return Handle{}, fmt.Errorf("pull: register_receiver tag %d: interval_ns must be > 0", tagID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[tagID]
	for _, s := range subs {
		if existing, alive := r.arena.Get(s.handle); alive && existing == recv {
			s.nextFireElapsedNS = nextPullElapsedNS
			s.intervalNS = intervalNS
			r.reconcileLocked()
			return s.handle, nil
		}
	}

	if r.cfg.MaxSubscribersPerTag > 0 && len(subs) >= r.cfg.MaxSubscribersPerTag {
		return Handle{}, fmt.Errorf("pull: register_receiver tag %d: subscriber limit reached", tagID)
	}

	h := r.arena.Put(recv)
	r.subs[tagID] = append(subs, &subscription{
		handle:            h,
		intervalNS:        intervalNS,
		nextFireElapsedNS: nextPullElapsedNS,
	})
	r.reconcileLocked()
	return h, nil
}

// UnregisterReceiver removes the subscription identified by h from tagID,
// reconciling the scheduler afterwards.
func (r *Registry) UnregisterReceiver(tagID uint32, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[tagID]
	for i, s := range subs {
		if s.handle == h {
			r.arena.Remove(h)
			r.subs[tagID] = append(subs[:i], subs[i+1:]...)
			if len(r.subs[tagID]) == 0 {
				delete(r.subs, tagID)
			}
			break
		}
	}
	r.reconcileLocked()
}

// reconcileLocked recomputes and re-arms the single external alarm,
// aligning to the configured granularity to coalesce fires across tags.
// Callers must hold r.mu.
func (r *Registry) reconcileLocked() {
	var minNext int64 = -1
	for _, subs := range r.subs {
		for _, s := range subs {
			if minNext == -1 || s.nextFireElapsedNS < minNext {
				minNext = s.nextFireElapsedNS
			}
		}
	}

	if minNext == -1 {
		if r.armedAt != -1 {
			r.armedAt = -1
			if r.alarm != nil {
				r.alarm.Cancel()
			}
		}
		return
	}

	aligned := alignUp(minNext, r.cfg.AlarmAlignmentNS)
	if aligned == r.armedAt {
		return
	}
	r.armedAt = aligned
	if r.alarm != nil {
		r.alarm.SetAlarm(aligned)
	}
}

func alignUp(t, granularity int64) int64 {
	if granularity <= 0 {
		return t
	}
	if t%granularity == 0 {
		return t
	}
	return (t/granularity + 1) * granularity
}

// runScheduler reads firings off the alarm source until ctx is cancelled.
func (r *Registry) runScheduler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-r.alarm.Fired():
			if !ok {
				return
			}
			r.onAlarm(now)
		}
	}
}

// onAlarm is the fire handler (§4.5): it pulls each due tag exactly once,
// delivers the shared batch to every subscription due on this fire,
// advances next_fire without catch-up, drops dead receivers, and
// reconciles the scheduler.
func (r *Registry) onAlarm(now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for tagID, subs := range r.subs {
		due := false
		for _, s := range subs {
			if s.nextFireElapsedNS <= now {
				due = true
				break
			}
		}
		if !due {
			continue
		}

		batch, pullErr := r.pullLocked(tagID, now)
		pullOK := pullErr == nil

		remaining := subs[:0]
		for _, s := range subs {
			if s.nextFireElapsedNS > now {
				remaining = append(remaining, s)
				continue
			}
			recv, alive := r.arena.Get(s.handle)
			if !alive {
				r.arena.Remove(s.handle)
				continue
			}
			recv.OnDataPulled(event.CloneBatch(batch), pullOK, now)
			s.nextFireElapsedNS = now + s.intervalNS
			remaining = append(remaining, s)
		}
		if len(remaining) == 0 {
			delete(r.subs, tagID)
		} else {
			r.subs[tagID] = remaining
		}
	}

	r.reconcileLocked()
}
