package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: FindingEmitted})
	b.Publish(Event{Type: PluginState}) // a is full, dropped there

	if e := <-a; e.Type != FindingEmitted || e.Time.IsZero() {
		t.Fatalf("unexpected event on a: %+v", e)
	}
	select {
	case e := <-a:
		t.Fatalf("a should have dropped second event, got %+v", e)
	default:
	}
	for _, want := range []string{FindingEmitted, PluginState} {
		select {
		case e := <-c:
			if e.Type != want {
				t.Fatalf("c got %s, want %s", e.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("c missing %s", want)
		}
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: ProxyStarted})
}
