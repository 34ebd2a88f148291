// Package timekeeper holds the per-task timer state machine: it decides
// when intervals open and close, keeps the locally displayed elapsed time
// reconciled with the server-confirmed total, and defends the one open
// interval per task invariant the storage schema does not enforce.
package timekeeper

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tracktime-api/domain"
)

// Store is the slice of persistence the keeper needs.
type Store interface {
	GetTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	UpdateTask(ctx context.Context, userID string, task domain.Task) (domain.Task, error)
	OpenIntervals(ctx context.Context, userID, taskID string) ([]domain.TimeInterval, error)
	InsertInterval(ctx context.Context, userID string, iv domain.TimeInterval) (domain.TimeInterval, error)
	CloseInterval(ctx context.Context, userID, intervalID string, end time.Time) (domain.TimeInterval, error)
	InsertMutation(ctx context.Context, userID string, m domain.TaskMutation) (domain.TaskMutation, error)
}

// Reporter receives consistency incidents. Delivery is fire and forget.
type Reporter interface {
	Report(incident domain.Incident)
}

var (
	// ErrAlreadyRunning rejects a start on a task whose timer is running.
	ErrAlreadyRunning = errors.New("timer already running")
	// ErrNotRunning rejects a stop on a task whose timer is stopped.
	ErrNotRunning = errors.New("timer not running")
)

type timerKey struct {
	userID string
	taskID string
}

type taskTimer struct {
	// mu serializes start/stop for one task, including the persistence
	// writes inside the transition. A stop can therefore never overtake
	// the start it belongs to.
	mu sync.Mutex

	loaded     bool
	running    bool
	intervalID string
	startedAt  time.Time
	confirmed  int64 // server-confirmed cumulative seconds

	cancelTick func()
	driveStop  chan struct{}

	wmu      sync.Mutex
	watchers map[int]chan int64
	nextWID  int
}

// Keeper tracks the Running/Stopped state of every touched task timer.
type Keeper struct {
	store    Store
	reporter Reporter
	ticker   *Ticker
	logger   *log.Logger
	now      func() time.Time

	mu     sync.Mutex
	timers map[timerKey]*taskTimer
}

// New creates a Keeper on top of the given store. reporter may be nil when
// no audit queue is configured.
func New(store Store, reporter Reporter, ticker *Ticker, logger *log.Logger) *Keeper {
	if store == nil {
		panic("timekeeper: store is required")
	}
	if ticker == nil {
		ticker = NewTicker(time.Second)
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Keeper{
		store:    store,
		reporter: reporter,
		ticker:   ticker,
		logger:   logger,
		now:      time.Now,
		timers:   map[timerKey]*taskTimer{},
	}
}

func (k *Keeper) timer(userID, taskID string) *taskTimer {
	k.mu.Lock()
	defer k.mu.Unlock()
	key := timerKey{userID: userID, taskID: taskID}
	tt, ok := k.timers[key]
	if !ok {
		tt = &taskTimer{watchers: map[int]chan int64{}}
		k.timers[key] = tt
	}
	return tt
}

// load derives the initial state from storage: the task's confirmed total
// and whether its most recent interval is still open. Finding more than
// one open interval is a consistency error, reported and surfaced, never
// silently repaired.
func (k *Keeper) load(ctx context.Context, tt *taskTimer, userID, taskID string) error {
	if tt.loaded {
		return nil
	}
	task, err := k.store.GetTask(ctx, userID, taskID)
	if err != nil {
		return err
	}
	open, err := k.store.OpenIntervals(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if len(open) > 1 {
		k.report(domain.Incident{
			Kind:      domain.IncidentDuplicateInterval,
			UserID:    userID,
			TaskID:    taskID,
			Detail:    "multiple open intervals found on load",
			Timestamp: k.now().UnixNano(),
		})
		return domain.ConsistencyError{TaskID: taskID, Detail: "more than one open interval"}
	}
	tt.confirmed = task.TimeSpent
	if len(open) == 1 {
		tt.running = true
		tt.intervalID = open[0].ID
		tt.startedAt = open[0].Start
		k.startDrive(tt)
	}
	tt.loaded = true
	return nil
}

// Start transitions Stopped -> Running: it clears the done flag when the
// task was completed (starting a finished task un-finishes it), then
// creates the open interval. On any persistence failure the local state
// rolls back to Stopped.
func (k *Keeper) Start(ctx context.Context, userID, taskID string) (domain.TimeInterval, error) {
	tt := k.timer(userID, taskID)
	tt.mu.Lock()
	defer tt.mu.Unlock()

	if err := k.load(ctx, tt, userID, taskID); err != nil {
		return domain.TimeInterval{}, err
	}
	if tt.running {
		return domain.TimeInterval{}, ErrAlreadyRunning
	}

	// Re-check right before the transition: a stale Stopped state must
	// never stack a second open interval on top of an existing one.
	open, err := k.store.OpenIntervals(ctx, userID, taskID)
	if err != nil {
		return domain.TimeInterval{}, err
	}
	if len(open) > 0 {
		k.report(domain.Incident{
			Kind:      domain.IncidentDuplicateInterval,
			UserID:    userID,
			TaskID:    taskID,
			Detail:    "open interval already present before start",
			Timestamp: k.now().UnixNano(),
		})
		return domain.TimeInterval{}, domain.ConsistencyError{TaskID: taskID, Detail: "open interval already exists"}
	}

	task, err := k.store.GetTask(ctx, userID, taskID)
	if err != nil {
		return domain.TimeInterval{}, err
	}
	unDone := false
	if task.Done {
		task.Done = false
		if task, err = k.store.UpdateTask(ctx, userID, task); err != nil {
			return domain.TimeInterval{}, err
		}
		unDone = true
		k.recordDoneMutation(ctx, userID, taskID, false)
	}
	tt.confirmed = task.TimeSpent

	iv, err := k.store.InsertInterval(ctx, userID, domain.TimeInterval{TaskID: taskID, Start: k.now()})
	if err != nil {
		if unDone {
			k.restoreDone(ctx, userID, taskID)
		}
		return domain.TimeInterval{}, err
	}

	tt.running = true
	tt.intervalID = iv.ID
	tt.startedAt = iv.Start
	k.startDrive(tt)
	return iv, nil
}

// Stop transitions Running -> Stopped: the elapsed time is the wall-clock
// delta since the start, not a tick count, so delayed ticks cannot drift
// the total. The interval close and the cumulative bump are two separate
// writes; when only the first lands the keeper reports the inconsistency
// and still leaves the local state Stopped, since the store no longer has
// an open interval.
func (k *Keeper) Stop(ctx context.Context, userID, taskID string) (domain.Task, error) {
	tt := k.timer(userID, taskID)
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return k.stopLocked(ctx, tt, userID, taskID)
}

func (k *Keeper) stopLocked(ctx context.Context, tt *taskTimer, userID, taskID string) (domain.Task, error) {
	if err := k.load(ctx, tt, userID, taskID); err != nil {
		return domain.Task{}, err
	}
	if !tt.running {
		return domain.Task{}, ErrNotRunning
	}

	now := k.now()
	elapsed := int64(now.Sub(tt.startedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}

	if _, err := k.store.CloseInterval(ctx, userID, tt.intervalID, now); err != nil {
		// Nothing persisted: stay Running.
		return domain.Task{}, err
	}

	task, err := k.store.GetTask(ctx, userID, taskID)
	if err == nil {
		task.TimeSpent += elapsed
		task, err = k.store.UpdateTask(ctx, userID, task)
	}
	if err != nil {
		k.report(domain.Incident{
			Kind:      domain.IncidentPartialStop,
			UserID:    userID,
			TaskID:    taskID,
			Detail:    "interval " + tt.intervalID + " closed but cumulative duration not updated: " + err.Error(),
			Timestamp: now.UnixNano(),
		})
		k.stopLocalLocked(tt)
		return domain.Task{}, err
	}

	tt.confirmed = task.TimeSpent
	k.stopLocalLocked(tt)
	return task, nil
}

// StopIfRunning is the done/timer coupling hook: completing a task stops
// its timer. It reports whether a stop actually happened.
func (k *Keeper) StopIfRunning(ctx context.Context, userID, taskID string) (domain.Task, bool, error) {
	tt := k.timer(userID, taskID)
	tt.mu.Lock()
	defer tt.mu.Unlock()

	task, err := k.stopLocked(ctx, tt, userID, taskID)
	if errors.Is(err, ErrNotRunning) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return task, true, nil
}

// Running reports whether the task's timer is currently running. State is
// derived from storage on first touch.
func (k *Keeper) Running(ctx context.Context, userID, taskID string) (bool, error) {
	tt := k.timer(userID, taskID)
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if err := k.load(ctx, tt, userID, taskID); err != nil {
		return false, err
	}
	return tt.running, nil
}

// Elapsed returns the displayed total for the task: the server-confirmed
// seconds plus the wall-clock delta of the open interval, if any. The
// value is corrected to the exact confirmed total at every stop.
func (k *Keeper) Elapsed(ctx context.Context, userID, taskID string, now time.Time) (int64, error) {
	tt := k.timer(userID, taskID)
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if err := k.load(ctx, tt, userID, taskID); err != nil {
		return 0, err
	}
	return elapsedLocked(tt, now), nil
}

func elapsedLocked(tt *taskTimer, now time.Time) int64 {
	total := tt.confirmed
	if tt.running {
		delta := int64(now.Sub(tt.startedAt) / time.Second)
		if delta > 0 {
			total += delta
		}
	}
	return total
}

// Watch subscribes to the task's displayed total, updated on every shared
// tick while the timer runs. The channel closes when the timer stops. The
// caller must invoke the returned cancel function when done.
func (k *Keeper) Watch(ctx context.Context, userID, taskID string) (<-chan int64, func(), error) {
	tt := k.timer(userID, taskID)
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if err := k.load(ctx, tt, userID, taskID); err != nil {
		return nil, nil, err
	}
	if !tt.running {
		return nil, nil, ErrNotRunning
	}

	ch := make(chan int64, 1)
	ch <- elapsedLocked(tt, k.now())

	tt.wmu.Lock()
	id := tt.nextWID
	tt.nextWID++
	tt.watchers[id] = ch
	tt.wmu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			tt.wmu.Lock()
			defer tt.wmu.Unlock()
			if _, ok := tt.watchers[id]; ok {
				delete(tt.watchers, id)
				close(ch)
			}
		})
	}
	return ch, cancel, nil
}

// Forget drops the task's local timer state, e.g. after the task was
// deleted. Any running drive goroutine is stopped.
func (k *Keeper) Forget(userID, taskID string) {
	k.mu.Lock()
	key := timerKey{userID: userID, taskID: taskID}
	tt, ok := k.timers[key]
	if ok {
		delete(k.timers, key)
	}
	k.mu.Unlock()
	if !ok {
		return
	}
	tt.mu.Lock()
	defer tt.mu.Unlock()
	k.stopLocalLocked(tt)
}

// startDrive ties a ticker subscription to the Running state: taken here,
// released in stopLocalLocked. confirmed and startedAt are fixed for the
// lifetime of one running interval, so the drive goroutine works on copies.
func (k *Keeper) startDrive(tt *taskTimer) {
	tick, cancel := k.ticker.Subscribe()
	tt.cancelTick = cancel
	stop := make(chan struct{})
	tt.driveStop = stop
	go k.drive(tt, tt.confirmed, tt.startedAt, tick, stop)
}

func (k *Keeper) drive(tt *taskTimer, confirmed int64, startedAt time.Time, tick <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case now := <-tick:
			total := confirmed
			if delta := int64(now.Sub(startedAt) / time.Second); delta > 0 {
				total += delta
			}
			tt.wmu.Lock()
			for _, ch := range tt.watchers {
				select {
				case ch <- total:
				default:
				}
			}
			tt.wmu.Unlock()
		}
	}
}

func (k *Keeper) stopLocalLocked(tt *taskTimer) {
	tt.running = false
	tt.intervalID = ""
	if tt.cancelTick != nil {
		tt.cancelTick()
		tt.cancelTick = nil
	}
	if tt.driveStop != nil {
		close(tt.driveStop)
		tt.driveStop = nil
	}
	tt.wmu.Lock()
	for id, ch := range tt.watchers {
		delete(tt.watchers, id)
		close(ch)
	}
	tt.wmu.Unlock()
}

func (k *Keeper) report(incident domain.Incident) {
	if k.reporter == nil {
		k.logger.WithFields(log.Fields{
			"kind":   incident.Kind,
			"taskId": incident.TaskID,
			"detail": incident.Detail,
		}).Warn("consistency incident (no reporter configured)")
		return
	}
	k.reporter.Report(incident)
}

func (k *Keeper) recordDoneMutation(ctx context.Context, userID, taskID string, done bool) {
	d := done
	if _, err := k.store.InsertMutation(ctx, userID, domain.TaskMutation{TaskID: taskID, Done: &d}); err != nil {
		k.logger.Errorf("record done mutation for task %s: %v", taskID, err)
	}
}

// restoreDone compensates a cleared done flag after the interval insert
// failed, so the visible task state matches the rolled back transition.
func (k *Keeper) restoreDone(ctx context.Context, userID, taskID string) {
	task, err := k.store.GetTask(ctx, userID, taskID)
	if err == nil {
		task.Done = true
		_, err = k.store.UpdateTask(ctx, userID, task)
	}
	if err != nil {
		k.report(domain.Incident{
			Kind:      domain.IncidentPartialStop,
			UserID:    userID,
			TaskID:    taskID,
			Detail:    "failed to restore done flag after aborted start: " + err.Error(),
			Timestamp: k.now().UnixNano(),
		})
		return
	}
	k.recordDoneMutation(ctx, userID, taskID, true)
}
