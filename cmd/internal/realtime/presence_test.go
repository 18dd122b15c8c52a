package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newFakePresence() (*Presence, *fakeScheduler) {
	p := NewPresence(30 * time.Second)
	s := &fakeScheduler{}
	p.schedule = s.schedule
	return p, s
}

func TestPresence_OnlineAnnouncesOnce(t *testing.T) {
	p, _ := newFakePresence()

	announce, epoch := p.Online("u1")
	require.True(t, announce)
	require.True(t, p.Current("u1", epoch))

	again, _ := p.Online("u1")
	require.False(t, again, "second device does not re-announce")
}

func TestPresence_ReconnectCancelsOffline(t *testing.T) {
	p, s := newFakePresence()
	p.Online("u1")

	var tokens []uint64
	p.ScheduleOffline("u1", func(token uint64) { tokens = append(tokens, token) })
	require.True(t, p.Pending("u1"))
	require.Equal(t, 1, s.armed())

	announce, _ := p.Online("u1")
	require.False(t, announce)
	require.False(t, p.Pending("u1"))
	require.Equal(t, 0, s.armed())

	// A timer that fired despite Stop carries a token that no longer matches.
	s.fire(true)
	require.Len(t, tokens, 1)
	_, ok := p.OfflineDue("u1", tokens[0])
	require.False(t, ok)
}

func TestPresence_OfflineDueBumpsEpoch(t *testing.T) {
	p, s := newFakePresence()
	_, online := p.Online("u1")

	var token uint64
	p.ScheduleOffline("u1", func(tk uint64) { token = tk })
	s.fire(false)

	epoch, ok := p.OfflineDue("u1", token)
	require.True(t, ok)
	require.False(t, p.Current("u1", online), "online epoch is stale after offline")
	require.True(t, p.Current("u1", epoch))

	_, ok = p.OfflineDue("u1", token)
	require.False(t, ok, "a schedule is consumed once")

	p.Settle("u1", epoch)
	require.False(t, p.Current("u1", epoch))

	announce, _ := p.Online("u1")
	require.True(t, announce)
}

func TestPresence_RescheduleSupersedesToken(t *testing.T) {
	p, s := newFakePresence()
	p.Online("u1")

	var tokens []uint64
	record := func(tk uint64) { tokens = append(tokens, tk) }
	p.ScheduleOffline("u1", record)
	p.ScheduleOffline("u1", record)
	require.Equal(t, 1, s.armed())

	s.fire(true)
	require.Len(t, tokens, 2)
	_, ok := p.OfflineDue("u1", tokens[0])
	require.False(t, ok)
	_, ok = p.OfflineDue("u1", tokens[1])
	require.True(t, ok)
}

func TestPresence_StopAll(t *testing.T) {
	p, s := newFakePresence()
	p.Online("u1")
	p.Online("u2")
	p.ScheduleOffline("u1", func(uint64) {})
	p.ScheduleOffline("u2", func(uint64) {})

	p.StopAll()
	require.Equal(t, 0, s.armed())
	require.False(t, p.Pending("u1"))
	require.False(t, p.Pending("u2"))
}

func TestPresence_RealTimerFires(t *testing.T) {
	p := NewPresence(5 * time.Millisecond)
	p.Online("u1")

	fired := make(chan uint64, 1)
	p.ScheduleOffline("u1", func(tk uint64) { fired <- tk })

	select {
	case tk := <-fired:
		_, ok := p.OfflineDue("u1", tk)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("offline timer did not fire")
	}
}
