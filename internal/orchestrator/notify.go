package orchestrator

import (
	"time"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

// NotificationKind names what happened to a job.
type NotificationKind string

const (
	Delivered NotificationKind = "delivered"
	Failed    NotificationKind = "failed"
	Expired   NotificationKind = "expired"
	Cleaned   NotificationKind = "cleaned"
)

// Notification is sent to subscribers after the transition that caused it
// has been persisted.
type Notification struct {
	Kind  NotificationKind
	JobID types.JobID
	State types.JobState
	At    time.Time
	Job   *types.Job
}

// Handler receives notifications. Handlers run synchronously on the
// goroutine that made the change, never under a job lock.
type Handler func(Notification)

// Subscribe registers h and returns a function that removes it.
func (o *Orchestrator) Subscribe(h Handler) (unsubscribe func()) {
	o.mu.Lock()
	o.handlerSeq++
	key := o.handlerSeq
	o.handlers[key] = h
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.handlers, key)
		o.mu.Unlock()
	}
}

// outbox collects notifications raised while a job lock is held. The
// usual pattern flushes it after the lock is released:
//
//	var out outbox
//	defer o.flush(&out)
//	defer o.locks.Lock(id)()
type outbox []Notification

func (ob *outbox) add(kind NotificationKind, job *types.Job) {
	*ob = append(*ob, Notification{
		Kind:  kind,
		JobID: job.ID,
		State: job.State,
		At:    job.LastTransitionAt,
		Job:   job.Clone(),
	})
}

func (o *Orchestrator) flush(ob *outbox) {
	if len(*ob) == 0 {
		return
	}
	o.mu.Lock()
	handlers := make([]Handler, 0, len(o.handlers))
	for _, h := range o.handlers {
		handlers = append(handlers, h)
	}
	o.mu.Unlock()

	for _, n := range *ob {
		log.Info("Job notification", "jobID", n.JobID, "kind", n.Kind, "state", n.State)
		for _, h := range handlers {
			h(n)
		}
	}
}

// terminalNotice returns the notification kind for a job that just reached
// failed or expired.
func terminalNotice(state types.JobState) (NotificationKind, bool) {
	switch state {
	case types.StateFailed:
		return Failed, true
	case types.StateExpired:
		return Expired, true
	default:
		return "", false
	}
}
