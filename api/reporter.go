package api

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tracktime-api/domain"
)

type incidentJob struct {
	incident domain.Incident
}

var (
	once           sync.Once
	jobs           chan incidentJob
	workerCount    int
	jobBuf         int
	reportTimeout  time.Duration
	handoffTimeout time.Duration
	bg             = context.Background()
	globalSink     IncidentSink
	globalLog      *log.Logger
	workerWG       sync.WaitGroup
)

// shutdownIncidentReporter stops worker goroutines and clears shared state. It is intended for tests.
func shutdownIncidentReporter() {
	if jobs != nil {
		close(jobs)
		jobs = nil
	}

	workerWG.Wait()

	globalSink = nil
	globalLog = nil
	workerCount = 0
	jobBuf = 0
	reportTimeout = 0
	handoffTimeout = 0
	once = sync.Once{}
	workerWG = sync.WaitGroup{}
}

func initIncidentReporter(sink IncidentSink, log *log.Logger) {
	once.Do(func() {
		globalSink = sink
		if log == nil {
			panic("Logger is not initialized")
		}
		globalLog = log

		workerCount = envInt("REPORT_WORKERS", 4)
		jobBuf = envInt("REPORT_BUFFER", 1024)
		reportTimeout = envDur("REPORT_TIMEOUT", 30*time.Second)
		handoffTimeout = envDur("REPORT_HANDOFF_TIMEOUT", 15*time.Millisecond)

		jobs = make(chan incidentJob, jobBuf)
		for i := 0; i < workerCount; i++ {
			workerWG.Add(1)
			go worker(i, jobs)
		}
		globalLog.Infof("incident reporter started, workers: %d, buffer: %d, timeout: %v, handoff: %v", workerCount, jobBuf, reportTimeout, handoffTimeout)
	})
}

// Reports are fire-and-forget observability: a failed send is logged and
// dropped, never retried.
func worker(id int, jobCh <-chan incidentJob) {
	defer workerWG.Done()
	for j := range jobCh {
		ctx, cancel := context.WithTimeout(bg, reportTimeout)
		err := globalSink.ReportIncident(ctx, j.incident)
		cancel()

		if err != nil {
			globalLog.Errorf("incident report failed, err: %v, kind: %s, user: %s, worker: %d", err, j.incident.Kind, j.incident.UserID, id)
		}
	}
}

func tryReportIncident(job incidentJob) bool {
	if jobs == nil {
		return false
	}

	if ok, closed := trySendNonBlocking(jobs, job); closed {
		return false
	} else if ok {
		return true
	}

	if handoffTimeout <= 0 {
		return false
	}

	timer := time.NewTimer(handoffTimeout)
	defer timer.Stop()

	ok, closed := sendWithTimer(jobs, job, timer.C)
	if closed {
		return false
	}
	return ok
}

func trySendNonBlocking(ch chan incidentJob, job incidentJob) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	default:
		return false, false
	}
}

func sendWithTimer(ch chan incidentJob, job incidentJob, timer <-chan time.Time) (ok bool, closed bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			closed = true
		}
	}()

	select {
	case ch <- job:
		return true, false
	case <-timer:
		return false, false
	}
}

// QueueReporter feeds consistency incidents to the worker pool, falling
// back to a bounded inline send when the buffer is saturated. It satisfies
// the timekeeper's Reporter interface.
type QueueReporter struct {
	sink IncidentSink
	log  *log.Logger
}

// NewQueueReporter starts the reporter pool and returns the handle the
// timekeeper reports through.
func NewQueueReporter(sink IncidentSink, logger *log.Logger) *QueueReporter {
	initIncidentReporter(sink, logger)
	return &QueueReporter{sink: sink, log: logger}
}

func (r *QueueReporter) Report(incident domain.Incident) {
	if tryReportIncident(incidentJob{incident: incident}) {
		return
	}

	if r.log != nil {
		r.log.Warn("incident buffer saturated; reporting inline")
	}

	ctx, cancel := context.WithTimeout(bg, inlineReportTimeout())
	defer cancel()
	if err := r.sink.ReportIncident(ctx, incident); err != nil && r.log != nil {
		r.log.Errorf("inline incident report failed, err: %v, kind: %s, user: %s", err, incident.Kind, incident.UserID)
	}
}

func inlineReportTimeout() time.Duration {
	if reportTimeout > 0 {
		return reportTimeout
	}
	return 30 * time.Second
}
