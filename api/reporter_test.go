package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"tracktime-api/domain"
)

type recordingSink struct {
	mu        sync.Mutex
	incidents []domain.Incident
	err       error
}

func (s *recordingSink) ReportIncident(_ context.Context, incident domain.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.incidents = append(s.incidents, incident)
	return nil
}

func (s *recordingSink) recorded() []domain.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Incident, len(s.incidents))
	copy(out, s.incidents)
	return out
}

func TestTryReportIncidentWaitsForCapacity(t *testing.T) {
	shutdownIncidentReporter()
	t.Cleanup(shutdownIncidentReporter)

	jobs = make(chan incidentJob, 1)
	handoffTimeout = 50 * time.Millisecond

	jobs <- incidentJob{}

	done := make(chan bool, 1)
	go func() {
		done <- tryReportIncident(incidentJob{})
	}()

	select {
	case <-done:
		t.Fatal("tryReportIncident returned before capacity was freed")
	case <-time.After(20 * time.Millisecond):
	}

	<-jobs

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected successful handoff after capacity freed")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for handoff completion")
	}
}

func TestTryReportIncidentTimesOut(t *testing.T) {
	shutdownIncidentReporter()
	t.Cleanup(shutdownIncidentReporter)

	jobs = make(chan incidentJob, 1)
	handoffTimeout = 30 * time.Millisecond

	jobs <- incidentJob{}

	ok := tryReportIncident(incidentJob{})
	if ok {
		t.Fatal("expected handoff to fail when timeout elapsed")
	}

	select {
	case <-jobs:
	default:
		t.Fatal("expected channel to remain full after timeout")
	}
}

func TestTryReportIncidentReturnsFalseWhenClosed(t *testing.T) {
	shutdownIncidentReporter()
	t.Cleanup(shutdownIncidentReporter)
	t.Cleanup(func() { jobs = nil })

	jobs = make(chan incidentJob)
	close(jobs)

	if tryReportIncident(incidentJob{}) {
		t.Fatal("expected handoff to fail when channel is closed")
	}
}

func TestTryReportIncidentNoWaitWhenZeroTimeout(t *testing.T) {
	shutdownIncidentReporter()
	t.Cleanup(shutdownIncidentReporter)

	jobs = make(chan incidentJob, 1)
	handoffTimeout = 0

	jobs <- incidentJob{}

	if tryReportIncident(incidentJob{}) {
		t.Fatal("expected handoff to fail when buffer full and no timeout")
	}

	<-jobs

	if !tryReportIncident(incidentJob{}) {
		t.Fatal("expected handoff to succeed when buffer has capacity")
	}
}

func TestWorkerDeliversIncidentsToSink(t *testing.T) {
	shutdownIncidentReporter()
	t.Cleanup(shutdownIncidentReporter)

	sink := &recordingSink{}
	logger, _ := test.NewNullLogger()
	globalSink = sink
	globalLog = logger
	reportTimeout = time.Second

	jobs = make(chan incidentJob, 4)
	workerWG.Add(1)
	go worker(0, jobs)

	incident := domain.Incident{Kind: domain.IncidentPartialStop, UserID: "user", TaskID: "task-1"}
	if !tryReportIncident(incidentJob{incident: incident}) {
		t.Fatal("expected handoff to succeed")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if got := sink.recorded(); len(got) == 1 {
			if got[0].TaskID != "task-1" || got[0].Kind != domain.IncidentPartialStop {
				t.Fatalf("unexpected incident delivered: %+v", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for incident delivery")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueueReporterFallsBackInlineWhenSaturated(t *testing.T) {
	shutdownIncidentReporter()
	t.Cleanup(shutdownIncidentReporter)

	sink := &recordingSink{}
	logger, hook := test.NewNullLogger()
	reportTimeout = time.Second
	handoffTimeout = 0

	jobs = make(chan incidentJob, 1)
	jobs <- incidentJob{}

	reporter := &QueueReporter{sink: sink, log: logger}
	reporter.Report(domain.Incident{Kind: domain.IncidentDuplicateInterval, UserID: "user", TaskID: "task-2"})

	got := sink.recorded()
	if len(got) != 1 {
		t.Fatalf("expected inline delivery, got %d incidents", len(got))
	}
	if got[0].TaskID != "task-2" {
		t.Fatalf("unexpected incident: %+v", got[0])
	}
	if hook.LastEntry() == nil {
		t.Fatal("expected a saturation warning to be logged")
	}
}

func TestQueueReporterLogsInlineFailure(t *testing.T) {
	shutdownIncidentReporter()
	t.Cleanup(shutdownIncidentReporter)

	sink := &recordingSink{err: errors.New("queue down")}
	logger, hook := test.NewNullLogger()
	handoffTimeout = 0

	jobs = make(chan incidentJob, 1)
	jobs <- incidentJob{}

	reporter := &QueueReporter{sink: sink, log: logger}
	reporter.Report(domain.Incident{Kind: domain.IncidentPartialStop, UserID: "user", TaskID: "task-3"})

	if len(hook.Entries) < 2 {
		t.Fatalf("expected saturation warning and failure log, got %d entries", len(hook.Entries))
	}
}
