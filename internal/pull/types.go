// Package pull combines the PullerRegistry (C5), PullCache (C6),
// AlarmScheduler (C7) and SubscriberTable (C8) under one shared mutex, per
// the concurrency model that requires them to be serialized together during
// fire dispatch.
package pull

import (
	"github.com/statsd-core/statsd/internal/event"
	"github.com/statsd-core/statsd/internal/puller"
)

// UseDefault, passed as CooldownNS or PullTimeoutNS, asks Register to use
// the registry's configured default rather than an explicit value — needed
// because 0 is itself a meaningful, distinct cooldown (pull every time).
const UseDefault = -1

// PullAtomInfo is the per-tag registration record (C5's PullAtomInfo).
type PullAtomInfo struct {
	// CooldownNS is the minimum interval between underlying pulls; UseDefault
	// selects Config.DefaultCooldownNS.
	CooldownNS int64
	// PullTimeoutNS bounds a single PullInternal call; UseDefault selects
	// Config.DefaultPullTimeoutNS.
	PullTimeoutNS int64
	// AdditiveFieldIndices names the field positions summed across records
	// that collapse under the isolated-uid merge policy.
	AdditiveFieldIndices []uint16
	Puller               puller.Puller
}

// Config is the registry's construction-time configuration surface.
type Config struct {
	DefaultCooldownNS    int64
	DefaultPullTimeoutNS int64
	AlarmAlignmentNS     int64
	MaxSubscribersPerTag int
}

// Diagnostics is the narrow slice of the diagnostics collaborator (C9) the
// registry needs.
type Diagnostics interface {
	NotePull(tagID uint32)
	NotePullFromCache(tagID uint32)
	NotePullFail(tagID uint32)
	NotePullTimeout(tagID uint32)
	NoteEmptyPull(tagID uint32)
	NotePullTime(tagID uint32, ns int64)
	NotePullDelay(tagID uint32, ns int64)
}

// Receiver is delivered pulled batches by the fire handler. pullOK is false
// when the underlying pull failed or timed out, in which case batch is
// empty. originalPullElapsedNS is the fire's `now`, shared by every receiver
// of a given tag on that fire (§4.5 ordering guarantee).
type Receiver interface {
	OnDataPulled(batch []event.Record, pullOK bool, originalPullElapsedNS int64)
}

// AlarmSource is the scheduler's collaborator: it arms a single alarm and
// reports firings on Fired(). SetAlarm replaces any previously armed alarm.
type AlarmSource interface {
	SetAlarm(elapsedNS int64)
	Cancel()
	Fired() <-chan int64
}
