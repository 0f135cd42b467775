package consult

import (
	"errors"
	"testing"
	"time"

	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newChat(t *testing.T, id shared.Identity, idle, ttl time.Duration) (*ChatChannel, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	c, err := NewChatChannel(shared.NewNopLogger(), ChatConfig{
		Identity:    id,
		Transport:   tr,
		TypingIdle:  idle,
		PresenceTTL: ttl,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, tr
}

func typingSignals(tr *fakeTransport) []bool {
	var out []bool
	for _, e := range tr.sentEvents() {
		if e.Name == EventTyping {
			out = append(out, e.Param.(*TypingParam).IsTyping)
		}
	}
	return out
}

func record(id, sender, body string, ts time.Time) *Message {
	return &Message{
		Pair:      Pair{UserID: patient.ID, DoctorID: doctor.ID},
		ID:        id,
		SenderID:  sender,
		Body:      body,
		Timestamp: ts,
	}
}

func TestTypingDebounce(t *testing.T) {
	c, tr := newChat(t, patient, 100*time.Millisecond, time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Keystroke(doctor.ID))
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, typingSignals(tr))

	assert.Eventually(t, func() bool {
		return len(typingSignals(tr)) == 2
	}, time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, typingSignals(tr))

	p := tr.sentEvents()[0].Param.(*TypingParam)
	assert.Equal(t, Pair{UserID: patient.ID, DoctorID: doctor.ID}, p.Pair)
}

func TestTypingRestartsAfterIdle(t *testing.T) {
	c, tr := newChat(t, doctor, 30*time.Millisecond, time.Second)
	require.NoError(t, c.Keystroke(patient.ID))
	assert.Eventually(t, func() bool {
		return len(typingSignals(tr)) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Keystroke(patient.ID))
	assert.Equal(t, []bool{true, false, true}, typingSignals(tr))
}

func TestTypingStartRetriedAfterSendFailure(t *testing.T) {
	c, tr := newChat(t, patient, 30*time.Millisecond, time.Second)
	tr.mu.Lock()
	tr.sendErr = errors.New("socket closed")
	tr.mu.Unlock()
	assert.Error(t, c.Keystroke(doctor.ID))

	time.Sleep(60 * time.Millisecond)
	tr.mu.Lock()
	tr.sendErr = nil
	tr.mu.Unlock()
	assert.Empty(t, typingSignals(tr), "no stop without a start")

	require.NoError(t, c.Keystroke(doctor.ID))
	assert.Equal(t, []bool{true}, typingSignals(tr))
	assert.Eventually(t, func() bool {
		return len(typingSignals(tr)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, typingSignals(tr))
}

func TestSendStopsTyping(t *testing.T) {
	c, tr := newChat(t, patient, time.Hour, time.Second)
	require.NoError(t, c.Keystroke(doctor.ID))
	require.NoError(t, c.Send(doctor.ID, "  hello  "))

	assert.Equal(t, []EventName{EventTyping, EventSendMessage, EventTyping}, tr.sentNames())
	assert.Equal(t, []bool{true, false}, typingSignals(tr))
	msg := tr.sentEvents()[1].Param.(*Message)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, patient.ID, msg.SenderID)
	assert.Equal(t, shared.RoleUser, msg.SenderRole)

	// no optimistic append
	assert.Empty(t, c.Thread(doctor.ID))
	assert.ErrorIs(t, c.Send(doctor.ID, "   "), shared.ErrEmptyMessage)
	assert.ErrorIs(t, c.Send("", "hi"), shared.ErrNoRemoteParty)
}

func TestHistoryReplacesThread(t *testing.T) {
	c, tr := newChat(t, patient, time.Second, time.Second)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr.deliver(EventReceiveMessage, record("m0", doctor.ID, "earlier", base))
	require.Equal(t, 1, c.Unread(doctor.ID))

	require.NoError(t, c.OpenThread(doctor.ID))
	assert.Equal(t, []EventName{EventJoinChat}, tr.sentNames())
	assert.Equal(t, 0, c.Unread(doctor.ID))

	history := &MessageList{Messages: []Message{
		*record("m1", patient.ID, "hi doctor", base),
		*record("m2", doctor.ID, "hello", base.Add(time.Minute)),
		*record("m3", patient.ID, "my knee hurts", base.Add(2*time.Minute)),
	}}
	tr.deliver(EventPreviousMessages, history)

	thread := c.Thread(doctor.ID)
	require.Len(t, thread, 3)
	assert.Equal(t, "m1", thread[0].ID)
	assert.Equal(t, "m2", thread[1].ID)
	assert.Equal(t, "m3", thread[2].ID)
	assert.True(t, thread[1].Timestamp.Equal(base.Add(time.Minute)))
	assert.Equal(t, 0, c.Unread(doctor.ID))

	snap := c.Snapshot()
	assert.Equal(t, doctor.ID, snap.Open)
	assert.Len(t, snap.Thread, 3)
	assert.Empty(t, snap.Unread)
}

func TestHistoryFiltering(t *testing.T) {
	c, tr := newChat(t, patient, time.Second, time.Second)
	other := Message{Pair: Pair{UserID: patient.ID, DoctorID: "d2"}, ID: "x", SenderID: "d2", Body: "wrong thread"}

	// no thread open yet
	tr.deliver(EventPreviousMessages, &MessageList{Messages: []Message{*record("m1", doctor.ID, "hi", time.Time{})}})
	assert.Empty(t, c.Thread(doctor.ID))

	require.NoError(t, c.OpenThread(doctor.ID))
	tr.deliver(EventPreviousMessages, &MessageList{Messages: []Message{*record("m1", doctor.ID, "hi", time.Time{})}})
	require.Len(t, c.Thread(doctor.ID), 1)

	// a late batch for another thread does not clobber this one
	tr.deliver(EventPreviousMessages, &MessageList{Messages: []Message{other}})
	assert.Len(t, c.Thread(doctor.ID), 1)

	tr.deliver(EventPreviousMessages, &MessageList{})
	assert.Empty(t, c.Thread(doctor.ID))
}

func TestReceiveMessage(t *testing.T) {
	c, tr := newChat(t, patient, time.Second, time.Second)
	require.NoError(t, c.OpenThread("d2"))

	tr.deliver(EventReceiveMessage, record("m1", doctor.ID, "results are in", time.Now()))
	tr.deliver(EventReceiveMessage, record("m1", doctor.ID, "results are in", time.Now()))
	assert.Len(t, c.Thread(doctor.ID), 1)
	assert.Equal(t, 1, c.Unread(doctor.ID))
	assert.Equal(t, map[string]int{doctor.ID: 1}, c.Snapshot().Unread)

	// own echo never counts as unread
	tr.deliver(EventReceiveMessage, record("m2", patient.ID, "thanks", time.Now()))
	assert.Len(t, c.Thread(doctor.ID), 2)
	assert.Equal(t, 1, c.Unread(doctor.ID))

	// not ours
	stray := record("m3", doctor.ID, "for someone else", time.Now())
	stray.UserID = "u2"
	tr.deliver(EventReceiveMessage, stray)
	assert.Len(t, c.Thread(doctor.ID), 2)

	require.NoError(t, c.OpenThread(doctor.ID))
	assert.Equal(t, 0, c.Unread(doctor.ID))
	tr.deliver(EventReceiveMessage, record("m4", doctor.ID, "see you", time.Now()))
	assert.Equal(t, 0, c.Unread(doctor.ID))

	c.CloseThread()
	tr.deliver(EventReceiveMessage, record("m5", doctor.ID, "bye", time.Now()))
	assert.Equal(t, 1, c.Unread(doctor.ID))
}

func TestPresence(t *testing.T) {
	c, tr := newChat(t, patient, time.Second, 60*time.Millisecond)
	typing := func(on bool) *TypingParam {
		return &TypingParam{Pair: Pair{UserID: patient.ID, DoctorID: doctor.ID}, IsTyping: on}
	}
	var changes int
	c.OnChange(func(ChatSnapshot) { changes++ })

	tr.deliver(EventTyping, typing(true))
	assert.True(t, c.IsTyping(doctor.ID))
	assert.Equal(t, map[string]bool{doctor.ID: true}, c.Snapshot().Typing)

	tr.deliver(EventTyping, typing(false))
	assert.False(t, c.IsTyping(doctor.ID))

	tr.deliver(EventTyping, typing(true))
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		tr.deliver(EventTyping, typing(true))
	}
	assert.True(t, c.IsTyping(doctor.ID), "refreshed signals keep the flag up")

	assert.Eventually(t, func() bool {
		return !c.IsTyping(doctor.ID)
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, changes, 4)

	// a delivered message clears the flag at once
	tr.deliver(EventTyping, typing(true))
	tr.deliver(EventReceiveMessage, record("m1", doctor.ID, "done", time.Now()))
	assert.False(t, c.IsTyping(doctor.ID))
}

func TestChatTransportLoss(t *testing.T) {
	c, tr := newChat(t, patient, 50*time.Millisecond, time.Hour)
	tr.deliver(EventTyping, &TypingParam{Pair: Pair{UserID: patient.ID, DoctorID: doctor.ID}, IsTyping: true})
	require.NoError(t, c.Keystroke(doctor.ID))
	require.True(t, c.IsTyping(doctor.ID))

	tr.loseConnection()
	assert.False(t, c.IsTyping(doctor.ID))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []bool{true}, typingSignals(tr), "no stop signal after the link is gone")
}
