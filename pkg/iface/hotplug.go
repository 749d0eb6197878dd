package iface

import (
	"os"
	"os/exec"

	"github.com/newtron-network/ifmgrd/pkg/util"
)

// RunnerFunc launches the user hotplug handler for one event and calls
// done when it finishes. done must be invoked under the core lock.
type RunnerFunc func(action, ifname string, done func())

// HotplugQueue serialises per-interface up/down notifications to the
// external script runner. Per interface at most one event may be
// queued and at most one in flight; redundant edges coalesce.
type HotplugQueue struct {
	run RunnerFunc

	current   *Interface
	currentEv Event
	pending   []*Interface
}

// NewHotplugQueue creates a queue driving cmdPath. A nil runner with
// an empty path disables execution; events still coalesce.
func NewHotplugQueue(cmdPath string, run RunnerFunc) *HotplugQueue {
	q := &HotplugQueue{run: run}
	if q.run == nil && cmdPath != "" {
		q.run = execRunner(cmdPath)
	}
	return q
}

// SetLocked wraps script-completion re-entry in the core lock.
func (q *HotplugQueue) SetLocked(locked func(fn func())) {
	if q.run == nil {
		return
	}
	inner := q.run
	q.run = func(action, ifname string, done func()) {
		inner(action, ifname, func() {
			locked(done)
		})
	}
}

// execRunner spawns the hotplug script with ACTION/INTERFACE in the
// environment; the exit code is ignored.
func execRunner(cmdPath string) RunnerFunc {
	return func(action, ifname string, done func()) {
		cmd := exec.Command(cmdPath, "network")
		cmd.Env = append(os.Environ(), "ACTION="+action, "INTERFACE="+ifname)
		if err := cmd.Start(); err != nil {
			util.WithInterface(ifname).WithError(err).Warn("failed to run hotplug handler")
			done()
			return
		}
		go func() {
			_ = cmd.Wait()
			done()
		}()
	}
}

// QueueEvent schedules an up/down notification for iface. An event
// matching the last queued or in-flight one for this interface removes
// the queue entry instead (the redundant edge coalesces away).
func (q *HotplugQueue) QueueEvent(iface *Interface, ev Event) {
	util.WithInterface(iface.name).Debug("queue hotplug handler")

	lastEv := iface.hotplugEv
	if q.current == iface {
		lastEv = q.currentEv
	}

	iface.hotplugEv = ev
	if lastEv == ev && iface.queued {
		q.removePending(iface)
	} else if lastEv != ev && !iface.queued {
		q.pending = append(q.pending, iface)
		iface.queued = true
	}

	if q.current == nil {
		q.dispatch()
	}
}

// Dequeue removes iface from the queue and, safely, from the in-flight
// slot.
func (q *HotplugQueue) Dequeue(iface *Interface) {
	if q.current == iface {
		q.current = nil
	}
	q.removePending(iface)
}

// Queued reports whether iface waits in the queue.
func (q *HotplugQueue) Queued(iface *Interface) bool {
	return iface.queued
}

// InFlight returns the interface whose handler is currently running.
func (q *HotplugQueue) InFlight() *Interface {
	return q.current
}

func (q *HotplugQueue) removePending(iface *Interface) {
	if !iface.queued {
		return
	}
	for idx, p := range q.pending {
		if p == iface {
			q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
			break
		}
	}
	iface.queued = false
}

// dispatch launches the handler for the queue head. With no runner
// configured, pending events drain as instant no-ops.
func (q *HotplugQueue) dispatch() {
	for q.current == nil && len(q.pending) > 0 {
		iface := q.pending[0]
		q.pending = q.pending[1:]
		iface.queued = false

		q.current = iface
		q.currentEv = iface.hotplugEv

		if q.run == nil {
			q.current = nil
			continue
		}

		q.run(q.currentEv.String(), iface.name, func() {
			q.taskComplete()
		})
	}
}

func (q *HotplugQueue) taskComplete() {
	q.current = nil
	q.dispatch()
}
