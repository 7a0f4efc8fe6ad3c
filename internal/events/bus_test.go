package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus(4)
	defer b.Close()
	ch := b.Subscribe(TypeCacheHit)

	b.Publish(Event{Type: TypeCacheHit, Source: "cache", Payload: "BTC/USD"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeCacheHit, ev.Type)
		assert.Equal(t, "cache", ev.Source)
		assert.False(t, ev.Timestamp.IsZero(), "publish stamps the event")
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestSubscriberOnlySeesItsTypes(t *testing.T) {
	b := NewBus(4)
	defer b.Close()
	ch := b.Subscribe(TypeCacheMiss)

	b.Publish(Event{Type: TypeCacheHit})
	b.Publish(Event{Type: TypeCacheMiss})

	ev := <-ch
	assert.Equal(t, TypeCacheMiss, ev.Type)
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event %v", ev.Type)
		}
	default:
	}
}

func TestSubscribeMultipleTypesSharesOneChannel(t *testing.T) {
	b := NewBus(4)
	defer b.Close()
	ch := b.Subscribe(TypeValidationPassed, TypeValidationFailed)

	b.Publish(Event{Type: TypeValidationPassed})
	b.Publish(Event{Type: TypeValidationFailed})

	first := <-ch
	second := <-ch
	assert.Equal(t, TypeValidationPassed, first.Type)
	assert.Equal(t, TypeValidationFailed, second.Type)
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewBus(2)
	defer b.Close()
	ch := b.Subscribe(TypeCacheHit)

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: TypeCacheHit, Payload: i})
	}

	// Buffer holds 2; the most recent events survive.
	first := <-ch
	second := <-ch
	assert.Equal(t, 3, first.Payload)
	assert.Equal(t, 4, second.Payload)
	assert.Positive(t, b.Dropped())
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b := NewBus(4)
	defer b.Close()
	assert.NotPanics(t, func() {
		b.Publish(Event{Type: TypeWarmerError})
	})
	assert.Zero(t, b.Dropped())
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	b := NewBus(4)
	ch := b.Subscribe(TypeCacheHit, TypeCacheMiss)
	b.Close()

	_, ok := <-ch
	require.False(t, ok, "channel must be closed exactly once even with two registrations")
}
