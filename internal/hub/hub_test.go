package hub

import (
	"testing"
	"time"

	"flowhost/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByInstance(t *testing.T) {
	h := New(8)
	mine := uuid.New()
	other := uuid.New()

	sub := h.Subscribe(mine)
	defer sub.Close()
	all := h.SubscribeAll()
	defer all.Close()

	h.Publish(domain.NewEvent(mine, domain.EventInstanceStarted, "start", nil))
	h.Publish(domain.NewEvent(other, domain.EventInstanceStarted, "start", nil))

	event := <-sub.C
	assert.Equal(t, mine, event.InstanceID)
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event for instance %s", e.InstanceID)
	default:
	}

	assert.Len(t, all.C, 2, "all-subscriber sees both instances")
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	h := New(8)
	id := uuid.New()
	sub := h.Subscribe(id)
	defer sub.Close()

	kinds := []domain.EventKind{
		domain.EventInstanceStarted,
		domain.EventStepCompleted,
		domain.EventInstanceCompleted,
	}
	for _, k := range kinds {
		h.Publish(domain.NewEvent(id, k, "", nil))
	}
	for _, want := range kinds {
		got := <-sub.C
		assert.Equal(t, want, got.Kind)
	}
}

func TestSlowSubscriberIsDroppedNotBlockedOn(t *testing.T) {
	h := New(2)
	id := uuid.New()
	slow := h.Subscribe(id)
	healthy := h.Subscribe(id)
	defer healthy.Close()

	// Third publish overflows the slow subscriber's buffer of two.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			h.Publish(domain.NewEvent(id, domain.EventStepCompleted, "", nil))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// The slow channel drains its buffered events and then closes.
	received := 0
	for range slow.C {
		received++
	}
	assert.Equal(t, 2, received)
	assert.ErrorIs(t, slow.Err(), ErrSubscriberOverflow)

	// The healthy subscriber got everything.
	assert.Len(t, healthy.C, 3)
}

func TestCloseIsCleanAndIdempotent(t *testing.T) {
	h := New(4)
	sub := h.Subscribe(uuid.New())

	sub.Close()
	sub.Close()

	_, open := <-sub.C
	require.False(t, open)
	assert.NoError(t, sub.Err())

	// Publishing after close must not panic or deliver.
	h.Publish(domain.NewEvent(uuid.New(), domain.EventInstanceStarted, "", nil))
}
