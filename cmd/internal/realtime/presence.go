package realtime

import "time"

// stopper is the cancellation handle of a scheduled task.
type stopper interface {
	Stop() bool
}

type scheduleFunc func(d time.Duration, f func()) stopper

func timeAfterFunc(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }

type pendingOffline struct {
	token uint64
	timer stopper
}

// Presence tracks which users have been announced online and the debounced
// offline announcements waiting for their grace period, keyed by user identity.
//
// Every announced transition gets a fresh epoch. An announcement whose epoch is
// no longer current is stale and must be dropped.
//
// Owned by the Engine dispatch loop; not safe for concurrent use. Timer callbacks
// must only submit commands back to the loop.
type Presence struct {
	grace    time.Duration
	schedule scheduleFunc

	seq       uint64
	announced map[string]bool
	epochs    map[string]uint64
	pending   map[string]pendingOffline
}

// NewPresence constructs a Presence with the given offline grace period.
func NewPresence(grace time.Duration) *Presence {
	if grace < 0 {
		grace = 0
	}
	return &Presence{
		grace:     grace,
		schedule:  timeAfterFunc,
		announced: make(map[string]bool),
		epochs:    make(map[string]uint64),
		pending:   make(map[string]pendingOffline),
	}
}

// Online records a registration. A pending offline announcement is cancelled.
// announce reports whether partners must be told; it is false when the user was
// still announced online (quick reconnect or second device).
func (p *Presence) Online(userID string) (announce bool, epoch uint64) {
	p.cancel(userID)
	if p.announced[userID] {
		return false, 0
	}
	p.announced[userID] = true
	return true, p.bump(userID)
}

// ScheduleOffline arms the grace timer for userID. fire runs on the timer goroutine
// with the token identifying this schedule.
func (p *Presence) ScheduleOffline(userID string, fire func(token uint64)) {
	p.cancel(userID)
	p.seq++
	token := p.seq
	t := p.schedule(p.grace, func() { fire(token) })
	p.pending[userID] = pendingOffline{token: token, timer: t}
}

// OfflineDue consumes a fired schedule. ok is false when token was cancelled or superseded.
func (p *Presence) OfflineDue(userID string, token uint64) (epoch uint64, ok bool) {
	cur, exists := p.pending[userID]
	if !exists || cur.token != token {
		return 0, false
	}
	delete(p.pending, userID)
	if !p.announced[userID] {
		return 0, false
	}
	p.announced[userID] = false
	return p.bump(userID), true
}

// Current reports whether epoch is still the latest transition of userID.
func (p *Presence) Current(userID string, epoch uint64) bool {
	return epoch != 0 && p.epochs[userID] == epoch
}

// Settle drops bookkeeping for a user whose offline announcement completed.
func (p *Presence) Settle(userID string, epoch uint64) {
	if p.Current(userID, epoch) && !p.announced[userID] {
		delete(p.epochs, userID)
		delete(p.announced, userID)
	}
}

// Pending reports whether an offline announcement is scheduled for userID.
func (p *Presence) Pending(userID string) bool {
	_, ok := p.pending[userID]
	return ok
}

// StopAll cancels every scheduled announcement.
func (p *Presence) StopAll() {
	for userID := range p.pending {
		p.cancel(userID)
	}
}

func (p *Presence) cancel(userID string) {
	if cur, ok := p.pending[userID]; ok {
		if cur.timer != nil {
			cur.timer.Stop()
		}
		delete(p.pending, userID)
	}
}

func (p *Presence) bump(userID string) uint64 {
	p.seq++
	p.epochs[userID] = p.seq
	return p.seq
}
