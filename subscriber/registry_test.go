package subscriber

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signalwatch/model"
)

func TestRegistryRoutesByProjectOnly(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())

	var mu sync.Mutex
	var receivedA, receivedB []model.Notification

	r.Subscribe(model.Subscriber{
		ConnectionID: "conn-a",
		Filter:       model.SubscriberFilter{ProjectID: "proj-1"},
		Deliver: func(n model.Notification) {
			mu.Lock()
			receivedA = append(receivedA, n)
			mu.Unlock()
		},
	})
	r.Subscribe(model.Subscriber{
		ConnectionID: "conn-b",
		Filter:       model.SubscriberFilter{ProjectID: "proj-2"},
		Deliver: func(n model.Notification) {
			mu.Lock()
			receivedB = append(receivedB, n)
			mu.Unlock()
		},
	})

	r.DispatchByProject("proj-1", model.Notification{ProjectID: "proj-1", LogIDs: []string{"l1"}})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, receivedA, 1)
	require.Empty(t, receivedB)
}

func TestRegistryUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())

	var delivered int32
	unsub := r.Subscribe(model.Subscriber{
		ConnectionID: "conn-a",
		Filter:       model.SubscriberFilter{ProjectID: "proj-1"},
		Deliver:      func(n model.Notification) { delivered++ },
	})

	unsub()
	require.Equal(t, 0, r.Count())

	r.DispatchByProject("proj-1", model.Notification{ProjectID: "proj-1"})
	require.Equal(t, int32(0), delivered)
}

func TestRegistryIsolatesPanickingSubscriber(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())

	var mu sync.Mutex
	var goodDelivered bool

	r.Subscribe(model.Subscriber{
		ConnectionID: "bad",
		Filter:       model.SubscriberFilter{ProjectID: "proj-1"},
		Deliver:      func(n model.Notification) { panic("boom") },
	})
	r.Subscribe(model.Subscriber{
		ConnectionID: "good",
		Filter:       model.SubscriberFilter{ProjectID: "proj-1"},
		Deliver: func(n model.Notification) {
			mu.Lock()
			goodDelivered = true
			mu.Unlock()
		},
	})

	require.NotPanics(t, func() {
		r.DispatchByProject("proj-1", model.Notification{ProjectID: "proj-1"})
	})

	mu.Lock()
	defer mu.Unlock()
	require.True(t, goodDelivered)
}

func TestRegistryDispatchIsParallel(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	const n = 10
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		r.Subscribe(model.Subscriber{
			ConnectionID: string(rune('a' + i)),
			Filter:       model.SubscriberFilter{ProjectID: "proj-1"},
			Deliver: func(notification model.Notification) {
				time.Sleep(20 * time.Millisecond)
				wg.Done()
			},
		})
	}

	done := make(chan struct{})
	go func() {
		r.DispatchByProject("proj-1", model.Notification{ProjectID: "proj-1"})
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(150 * time.Millisecond):
		t.Fatal("dispatch did not run subscribers in parallel")
	}
}
