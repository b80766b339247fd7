package infra

import (
	"sync"
	"testing"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := &Metrics{}

	m.RecordDecision(true, 1000)
	m.RecordDecision(true, 3000)
	m.RecordDecision(false, 2000)
	m.RecordFillApplied()
	m.RecordDuplicate()
	m.RecordSinkWrite()
	m.RecordSinkRetry()
	m.RecordDeadLetter()
	m.RecordError()
	m.AddReorderBuffered(3)
	m.AddReorderBuffered(-1)
	m.IncrementFeedClients()

	s := m.Snapshot()
	if s.OrdersAccepted != 2 || s.OrdersRejected != 1 {
		t.Errorf("Decisions: accepted=%d rejected=%d", s.OrdersAccepted, s.OrdersRejected)
	}
	if s.AvgEvalLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000ns, got %d", s.AvgEvalLatencyNs)
	}
	if s.FillsApplied != 1 || s.DuplicatesSkipped != 1 {
		t.Errorf("Fills=%d duplicates=%d", s.FillsApplied, s.DuplicatesSkipped)
	}
	if s.SinkWrites != 1 || s.SinkRetries != 1 || s.DeadLetters != 1 || s.ErrorsTotal != 1 {
		t.Errorf("Sink/dlq counters wrong: %+v", s)
	}
	if s.ReorderBuffered != 2 {
		t.Errorf("Expected reorder gauge 2, got %d", s.ReorderBuffered)
	}
	if s.FeedClients != 1 {
		t.Errorf("Expected 1 feed client, got %d", s.FeedClients)
	}
}

func TestMetrics_ConcurrentUpdates(t *testing.T) {
	m := &Metrics{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.RecordFillApplied()
			}
		}()
	}
	wg.Wait()

	if got := m.Snapshot().FillsApplied; got != 8000 {
		t.Errorf("Expected 8000 fills, got %d", got)
	}
}
