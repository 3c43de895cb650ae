package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/multisession-gateway/backend/internal/config"
	"github.com/multisession-gateway/backend/internal/logger"
	"github.com/multisession-gateway/backend/internal/model"
	"github.com/rs/zerolog"
)

type countingMetrics struct {
	dropped     atomic.Int64
	subscribers atomic.Int64
}

func (m *countingMetrics) EventDropped(kind model.EventKind) { m.dropped.Add(1) }
func (m *countingMetrics) SubscribersChanged(count int)      { m.subscribers.Store(int64(count)) }

func event(seq uint64) model.Event {
	return model.Event{SessionID: "s1", Seq: seq, Kind: model.EventMessage, Timestamp: time.Now()}
}

// drain reads n events or fails after a timeout.
func drain(t *testing.T, sub *Subscriber, n int) []model.Event {
	t.Helper()
	got := make([]model.Event, 0, n)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestHub_AttachReceivesOnlyLaterEvents(t *testing.T) {
	h := New(8, zerolog.Nop(), nil)
	defer h.Close()

	early := h.Attach()
	h.Broadcast(event(1))

	late := h.Attach()
	h.Broadcast(event(2))

	if got := drain(t, early, 2); got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("early subscriber got %v", got)
	}
	if got := drain(t, late, 1); got[0].Seq != 2 {
		t.Errorf("late subscriber should start at seq 2, got %d", got[0].Seq)
	}
	select {
	case ev := <-late.Events():
		t.Errorf("late subscriber received extra event %v", ev)
	default:
	}
}

func TestHub_DetachIsIdempotent(t *testing.T) {
	metrics := &countingMetrics{}
	h := New(4, zerolog.Nop(), metrics)

	sub := h.Attach()
	if h.Count() != 1 || metrics.subscribers.Load() != 1 {
		t.Fatalf("expected 1 subscriber")
	}

	h.Detach(sub)
	h.Detach(sub)
	h.Detach(nil)

	if !sub.IsClosed() {
		t.Error("expected subscriber to be closed")
	}
	if h.Count() != 0 || metrics.subscribers.Load() != 0 {
		t.Errorf("expected 0 subscribers, got %d", h.Count())
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed events channel")
	}

	if n := h.Broadcast(event(1)); n != 0 {
		t.Errorf("expected no deliveries after detach, got %d", n)
	}
}

func TestHub_OverflowDropsNewest(t *testing.T) {
	metrics := &countingMetrics{}
	h := New(2, zerolog.Nop(), metrics)
	defer h.Close()

	slow := h.Attach()
	fast := h.Attach()

	var fastGot []model.Event
	for i := uint64(1); i <= 5; i++ {
		h.Broadcast(event(i))
		fastGot = append(fastGot, drain(t, fast, 1)...)
	}

	if len(fastGot) != 5 {
		t.Fatalf("fast subscriber should get every event, got %d", len(fastGot))
	}

	got := drain(t, slow, 2)
	if got[0].Seq != 1 || got[1].Seq != 2 {
		t.Errorf("slow subscriber should keep the oldest events, got %d,%d", got[0].Seq, got[1].Seq)
	}
	if slow.Dropped() != 3 {
		t.Errorf("expected 3 drops, got %d", slow.Dropped())
	}
	if fast.Dropped() != 0 {
		t.Errorf("fast subscriber should not drop, got %d", fast.Dropped())
	}
	if metrics.dropped.Load() != 3 {
		t.Errorf("expected 3 dropped metrics, got %d", metrics.dropped.Load())
	}

	// a drained queue accepts events again
	h.Broadcast(event(6))
	if got := drain(t, slow, 1); got[0].Seq != 6 {
		t.Errorf("expected seq 6 after recovery, got %d", got[0].Seq)
	}
}

func TestHub_DetachDuringBroadcast(t *testing.T) {
	h := New(1, zerolog.Nop(), nil)
	defer h.Close()

	subs := make([]*Subscriber, 20)
	for i := range subs {
		subs[i] = h.Attach()
	}
	keeper := h.Attach()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.Broadcast(event(uint64(i)))
		}
	}()

	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscriber) {
			defer wg.Done()
			h.Detach(s)
		}(sub)
	}

	done := make(chan struct{})
	go func() {
		for range keeper.Events() {
		}
		close(done)
	}()

	wg.Wait()
	if h.Count() != 1 {
		t.Errorf("expected only the keeper to remain, got %d", h.Count())
	}

	h.Detach(keeper)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keeper channel was not closed")
	}
}

func TestHub_CloseDetachesAll(t *testing.T) {
	h := New(4, zerolog.Nop(), nil)
	a, b := h.Attach(), h.Attach()

	h.Close()

	if !a.IsClosed() || !b.IsClosed() {
		t.Error("expected all subscribers closed")
	}
	// Detach after Close must not panic on the already closed channel.
	h.Detach(a)
}

// N 个事件广播给 M 个订阅者时，每个订阅者按广播顺序收到全部 N 个事件
func TestHubBroadcastOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every subscriber sees every event in broadcast order", prop.ForAll(
		func(numSubs, numEvents int) bool {
			h := New(numEvents, zerolog.Nop(), nil)
			defer h.Close()

			subs := make([]*Subscriber, numSubs)
			for i := range subs {
				subs[i] = h.Attach()
			}

			var wg sync.WaitGroup
			producers := 3
			for p := 0; p < producers; p++ {
				wg.Add(1)
				go func(p int) {
					defer wg.Done()
					for i := p; i < numEvents; i += producers {
						h.Broadcast(model.Event{SessionID: fmt.Sprintf("s%d", p), Seq: uint64(i)})
					}
				}(p)
			}
			wg.Wait()

			var reference []uint64
			for idx, sub := range subs {
				var seqs []uint64
				for i := 0; i < numEvents; i++ {
					ev := <-sub.Events()
					seqs = append(seqs, ev.Seq)
				}
				if idx == 0 {
					reference = seqs
					continue
				}
				for i := range seqs {
					if seqs[i] != reference[i] {
						return false
					}
				}
			}

			// per producer, sequence numbers must be increasing
			if len(reference) != numEvents {
				return false
			}
			last := map[uint64]int64{}
			for _, seq := range reference {
				p := seq % uint64(producers)
				if prev, ok := last[p]; ok && int64(seq) <= prev {
					return false
				}
				last[p] = int64(seq)
			}
			return true
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}

func TestHub_StreamsItsOwnLogRecords(t *testing.T) {
	w := logger.NewEventWriter(zerolog.WarnLevel, 16)
	log := logger.New(config.LogConfig{Level: "info", Format: "json"}, io.Discard, w)

	h := New(2, log, nil)
	defer h.Close()
	w.Start(h)

	watcher := h.Attach()
	stuck := h.Attach()

	// The overflow warning is logged while the hub broadcasts and comes back
	// through the same hub as a log event.
	h.Broadcast(event(1))
	h.Broadcast(event(2))
	drain(t, watcher, 2)
	h.Broadcast(event(3))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-watcher.Events():
			if ev.Kind != model.EventLog {
				continue
			}
			var p model.LogPayload
			if err := json.Unmarshal(ev.Payload, &p); err != nil {
				t.Fatalf("bad log payload: %v", err)
			}
			if p.Level != "warn" || p.Component != "hub" || ev.SessionID != "s1" {
				t.Errorf("unexpected log event %+v", p)
			}
			if stuck.Dropped() == 0 {
				t.Error("expected the stuck subscriber to drop")
			}
			w.Close()
			return
		case <-deadline:
			t.Fatal("log event never reached the watcher")
		}
	}
}
