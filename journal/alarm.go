package journal

import (
	"runtime"
	"time"
	"weak"
)

// Attach binds the idle alarm to inbox. Writes also attach the inbox they
// were made for when none is attached yet.
func (j *Journal) Attach(inbox Inbox) {
	j.alarmMu.Lock()
	defer j.alarmMu.Unlock()
	if j.detached {
		return
	}
	j.alarmInbox = func() Inbox { return inbox }
}

// AttachWeak binds the idle alarm to owner without keeping it alive. Once
// owner is garbage collected the alarm stays silent and the journal is
// detached, as if Detach had been called.
func AttachWeak[T any, P interface {
	*T
	Inbox
}](j *Journal, owner P) {
	wp := weak.Make((*T)(owner))
	j.alarmMu.Lock()
	if j.detached {
		j.alarmMu.Unlock()
		return
	}
	j.alarmInbox = func() Inbox {
		if p := wp.Value(); p != nil {
			return P(p)
		}
		return nil
	}
	j.alarmMu.Unlock()
	runtime.AddCleanup((*T)(owner), (*Journal).Detach, j)
}

// Detach stops the alarm and drops the inbox. It is the teardown hook of the
// owning inbox; the journal never rearms afterwards.
func (j *Journal) Detach() {
	j.alarmMu.Lock()
	defer j.alarmMu.Unlock()
	j.detached = true
	j.alarmInbox = nil
	j.alarmArmed = false
	if j.alarm != nil {
		j.alarm.Stop()
	}
}

// SetIdleDelay changes the idle alarm delay. Zero or negative disables it.
func (j *Journal) SetIdleDelay(d time.Duration) {
	j.alarmMu.Lock()
	defer j.alarmMu.Unlock()
	j.idleDelay = d
	if d <= 0 && j.alarm != nil {
		j.alarm.Stop()
		j.alarmArmed = false
	}
}

// IdleDelay returns the configured idle alarm delay.
func (j *Journal) IdleDelay() time.Duration {
	j.alarmMu.Lock()
	defer j.alarmMu.Unlock()
	return j.idleDelay
}

func (j *Journal) armAlarm(inbox Inbox) {
	j.alarmMu.Lock()
	defer j.alarmMu.Unlock()
	if j.detached || j.idleDelay <= 0 {
		return
	}
	if j.alarmInbox == nil && inbox != nil {
		j.alarmInbox = func() Inbox { return inbox }
	}
	if j.alarmInbox == nil || j.alarmArmed {
		return
	}
	j.alarmArmed = true
	if j.alarm == nil {
		j.alarm = time.AfterFunc(j.idleDelay, j.fireAlarm)
		return
	}
	j.alarm.Reset(j.idleDelay)
}

// fireAlarm runs on the timer goroutine. It only queues a SaveRequest into
// the inbox; the handshake itself runs on the inbox worker.
func (j *Journal) fireAlarm() {
	j.alarmMu.Lock()
	target := j.alarmInbox
	j.alarmArmed = false
	j.alarmMu.Unlock()

	if target == nil {
		return
	}
	inbox := target()
	if inbox == nil {
		return
	}
	if c, ok := inbox.(closer); ok && c.Closed() {
		return
	}
	if inbox.Offer(&SaveRequest{Journal: j.name}, 0) {
		inbox.Wake()
	}
}
