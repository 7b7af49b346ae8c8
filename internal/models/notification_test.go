package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []NotificationStatus{StatusPending, StatusSent, StatusBounced, StatusFailed, StatusCanceled}

	for _, from := range all {
		assert.True(t, CanTransition(from, StatusCanceled), "%s -> canceled", from)
	}
	for _, to := range []NotificationStatus{StatusSent, StatusBounced, StatusFailed} {
		assert.True(t, CanTransition(StatusPending, to), "pending -> %s", to)
		for _, from := range []NotificationStatus{StatusBounced, StatusFailed, StatusCanceled} {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, CanTransition(StatusSent, StatusBounced))
	assert.False(t, CanTransition(StatusSent, StatusFailed))
	assert.False(t, CanTransition(StatusSent, StatusSent))
	assert.False(t, CanTransition(StatusSent, StatusPending))
}

func TestPriorStatuses(t *testing.T) {
	assert.Equal(t, []NotificationStatus{StatusPending, StatusSent}, PriorStatuses(StatusBounced))
	assert.Equal(t, []NotificationStatus{StatusPending}, PriorStatuses(StatusSent))
	assert.Equal(t, []NotificationStatus{StatusPending}, PriorStatuses(StatusFailed))
	assert.Len(t, PriorStatuses(StatusCanceled), 5)
	assert.Nil(t, PriorStatuses(StatusPending))
}

func TestMessageHelpers(t *testing.T) {
	assert.False(t, (&Message{Model: "ticket"}).HasRecord())
	assert.True(t, (&Message{Model: "ticket", ResID: 1}).HasRecord())
	assert.True(t, (&Message{MessageType: MessageTypeComment, IsInternal: true}).IsNote())
	assert.False(t, (&Message{MessageType: MessageTypeEmail, IsInternal: true}).IsNote())

	f := Follower{SubtypeIDs: []int64{1, 3}}
	assert.True(t, f.FollowsSubtype(3))
	assert.False(t, f.FollowsSubtype(2))
}
