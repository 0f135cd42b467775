package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bt-bridge/consult-rtc/media"
	"github.com/bt-bridge/consult-rtc/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	_, err := New(nil, true)
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	a, err := New(shared.NewNopLogger(), true)
	require.NoError(t, err)

	m := new(webrtc.MediaEngine)
	a.PopulateMediaEngine(m)
}

func TestAcquireRefusals(t *testing.T) {
	a, err := New(shared.NewNopLogger(), false)
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), media.Constraints{})
	assert.Equal(t, media.InvalidConstraints, media.KindOf(err))

	_, err = a.Acquire(context.Background(), media.DefaultConstraints())
	assert.Equal(t, media.ContextDisallowed, media.KindOf(err))
}

func TestAwaitGivesUpOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	unblock := make(chan struct{})
	opened := make(chan struct{})
	resC := make(chan acquired, 1)
	go func() {
		resC <- await(ctx, func() (mediadevices.MediaStream, error) {
			close(opened)
			<-unblock
			return nil, errors.New("late")
		})
	}()
	<-opened
	cancel()

	select {
	case res := <-resC:
		assert.Equal(t, media.Unknown, media.KindOf(res.err))
		assert.ErrorIs(t, res.err, context.Canceled)
		assert.Nil(t, res.stream)
	case <-time.After(time.Second):
		t.Fatal("await did not return after cancel")
	}
	close(unblock)
}

func TestAwaitReturnsResult(t *testing.T) {
	boom := errors.New("device busy")
	res := await(context.Background(), func() (mediadevices.MediaStream, error) {
		return nil, boom
	})
	assert.ErrorIs(t, res.err, boom)
}
