package relserver

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/function61/borgrelay/pkg/relcache"
	"github.com/function61/borgrelay/pkg/reldb"
	"github.com/function61/borgrelay/pkg/reljobs"
	"github.com/function61/borgrelay/pkg/reltypes"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/stopper"
	"github.com/samber/lo"
	"go.etcd.io/bbolt"
)

const (
	idleTickInterval     = 1 * time.Second
	housekeepingInterval = 1 * time.Hour
)

type runningJob struct {
	jobID     string
	kind      string
	cancel    context.CancelFunc
	startedAt time.Time
}

// Supervisor owns the job queue and the running jobs. All of its mutable
// state is confined to the control loop goroutine; outside callers talk to it
// by submitting closures that the loop executes between its other duties.
type Supervisor struct {
	db          *bolt.DB
	deps        *reljobs.Deps
	maxJobs     int
	cacheMaxAge time.Duration
	queue       []string
	running     map[string]*runningJob
	cancelled   map[string]bool // cancel requested while running
	requests    chan func()
	runDone     chan string
	schedules   *schedules
	metrics     *metricsController
	lastSweep   time.Time
	logger      *log.Logger
	logl        *logex.Leveled
}

// AttachMetrics is optional; call before Run.
func (s *Supervisor) AttachMetrics(m *metricsController) {
	s.metrics = m
}

func NewSupervisor(db *bolt.DB, deps *reljobs.Deps, maxJobs int, cacheMaxAge time.Duration, logger *log.Logger) *Supervisor {
	return &Supervisor{
		db:          db,
		deps:        deps,
		maxJobs:     maxJobs,
		cacheMaxAge: cacheMaxAge,
		queue:       []string{},
		running:     map[string]*runningJob{},
		cancelled:   map[string]bool{},
		requests:    make(chan func()),
		runDone:     make(chan string),
		schedules:   newSchedules(),
		logger:      logger,
		logl:        logex.Levels(logex.NonNil(logger)),
	}
}

// RecoverAfterRestart fails every job the previous daemon left live. Runs
// before the control loop starts, so nothing races it.
func (s *Supervisor) RecoverAfterRestart() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		jobs := []reltypes.Job{}
		if err := reldb.JobRepository.Each(reldb.JobAppender(&jobs), tx); err != nil {
			return err
		}

		for _, job := range jobs {
			if job.State.Stable() {
				continue
			}

			s.logl.Info.Printf("recovery: failing job %s found in state %s", job.ID, job.State)

			if err := reldb.SetJobFailureCauseTx(job.ID, reljobs.FailureDaemonRestart, map[string]string{
				"state": string(job.State),
			}, tx); err != nil {
				return err
			}
		}

		return nil
	})
}

// Run is the control loop. Returns after stop is signalled and every running
// job has wound down.
func (s *Supervisor) Run(ctx context.Context, stop *stopper.Stopper) error {
	defer stop.Done()

	ticker := time.NewTicker(idleTickInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-s.requests:
			fn()
		case jobID := <-s.runDone:
			s.reap(jobID)
		case now := <-ticker.C:
			s.tick(ctx, now)
		case <-stop.Signal:
			s.drain()
			return nil
		}
	}
}

// submit runs fn in the control loop and waits for it.
func (s *Supervisor) submit(fn func()) {
	executed := make(chan struct{})

	s.requests <- func() {
		fn()
		close(executed)
	}

	<-executed
}

func (s *Supervisor) tick(ctx context.Context, now time.Time) {
	if err := s.fireSchedules(now); err != nil {
		s.logl.Error.Printf("schedules: %v", err)
	}

	if err := s.queueNewJobs(); err != nil {
		s.logl.Error.Printf("queueNewJobs: %v", err)
	}

	s.dispatch(ctx)

	if now.Sub(s.lastSweep) >= housekeepingInterval {
		s.lastSweep = now

		removed, err := relcache.Housekeeping(s.deps.JobCachesDir(), s.cacheMaxAge, s.logger)
		if err != nil {
			s.logl.Error.Printf("job cache housekeeping: %v", err)
		} else if removed > 0 {
			s.logl.Info.Printf("job cache housekeeping: removed %d stale caches", removed)
		}
	}

	s.updateMetrics()
}

func (s *Supervisor) fireSchedules(now time.Time) error {
	fired := []*scheduleEntry{}

	if err := s.db.View(func(tx *bolt.Tx) error {
		if err := s.schedules.reload(tx, now); err != nil {
			return err
		}

		fired = s.schedules.due(now)
		return nil
	}); err != nil {
		return err
	}

	for _, entry := range fired {
		live := false
		if err := s.db.View(func(tx *bolt.Tx) error {
			var err error
			live, err = configHasLiveJob(tx, entry.kind, entry.configID)
			return err
		}); err != nil {
			s.logl.Error.Printf("scheduled %s config %s: %v", entry.kind, entry.configID, err)
			continue
		}

		if live {
			s.logl.Debug.Printf("%s config %s still has a live job; skipping this window", entry.kind, entry.configID)
			continue
		}

		jobIDs, err := CreateJobs(s.db, entry.kind, entry.configID)
		if err != nil {
			s.logl.Error.Printf("scheduled %s config %s: %v", entry.kind, entry.configID, err)
			continue
		}

		s.logl.Info.Printf("schedule fired for %s config %s: created %v", entry.kind, entry.configID, jobIDs)
	}

	return nil
}

// queueNewJobs picks up job_created records regardless of who created them,
// so the command API only has to write the record.
func (s *Supervisor) queueNewJobs() error {
	return s.db.View(func(tx *bolt.Tx) error {
		return reldb.JobsByStateIndex.Query([]byte(reltypes.JobStateCreated), func(id []byte) error {
			jobID := string(id)

			if _, live := s.running[jobID]; live || lo.Contains(s.queue, jobID) {
				return nil
			}

			s.queue = append(s.queue, jobID)
			return nil
		}, tx)
	})
}

// dispatch starts queued jobs in FIFO order. A blocked job does not hold up
// the jobs behind it; it keeps its queue position for the next attempt.
func (s *Supervisor) dispatch(ctx context.Context) {
	leftover := []string{}

	for _, jobID := range s.queue {
		if len(s.running) >= s.maxJobs {
			leftover = append(leftover, jobID)
			continue
		}

		started, requeue := s.tryStart(ctx, jobID)
		if !started && requeue {
			leftover = append(leftover, jobID)
		}
	}

	s.queue = leftover
}

func (s *Supervisor) tryStart(ctx context.Context, jobID string) (bool, bool) {
	var job *reltypes.Job
	runnable := false
	reason := ""

	if err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = reldb.Read(tx).Job(jobID)
		if err != nil {
			return err
		}

		if job.State != reltypes.JobStateCreated {
			// cancelled or otherwise touched while queued; drop silently
			return nil
		}

		executor, err := reljobs.ExecutorFor(job.Kind)
		if err != nil {
			return err
		}

		runnable, reason, err = executor.CanRun(job, tx)
		return err
	}); err != nil {
		s.logl.Error.Printf("tryStart %s: %v", jobID, err)
		return false, false
	}

	if job.State != reltypes.JobStateCreated {
		return false, false
	}

	if !runnable {
		s.logl.Debug.Printf("job %s not runnable: %s", jobID, reason)
		return false, true
	}

	executor, err := reljobs.ExecutorFor(job.Kind)
	if err != nil {
		s.logl.Error.Printf("tryStart %s: %v", jobID, err)
		return false, false
	}

	if err := executor.Prefork(job, s.db); err != nil {
		// Prefork errors are never retried
		s.logl.Error.Printf("prefork %s: %v", jobID, err)

		if err := reldb.SetJobFailureCause(s.db, jobID, reljobs.FailureInternalError, map[string]string{
			"error": err.Error(),
		}); err != nil {
			s.logl.Error.Printf("prefork %s: recording failure: %v", jobID, err)
		}

		return false, false
	}

	s.startJob(ctx, job, executor)
	return true, false
}

func (s *Supervisor) startJob(ctx context.Context, job *reltypes.Job, executor reljobs.Executor) {
	jobCtx, cancel := context.WithCancel(ctx)

	s.running[job.ID] = &runningJob{
		jobID:     job.ID,
		kind:      job.Kind,
		cancel:    cancel,
		startedAt: time.Now(),
	}

	s.logl.Info.Printf("starting %s job %s", job.Kind, job.ID)

	go func() {
		// a panicking executor must not take the daemon down with it; the
		// panic becomes the job's failure cause and reap still runs
		defer func() {
			if r := recover(); r != nil {
				s.logl.Error.Printf("job %s: panic: %v", job.ID, r)

				if err := reldb.SetJobFailureCause(s.db, job.ID, reljobs.FailureInternalError, map[string]string{
					"error": fmt.Sprintf("panic: %v", r),
				}); err != nil {
					s.logl.Error.Printf("job %s: recording failure: %v", job.ID, err)
				}
			}

			cancel()
			s.runDone <- job.ID
		}()

		if err := executor.Run(jobCtx, job.ID, s.deps); err != nil {
			s.logl.Error.Printf("job %s: %v", job.ID, err)

			if err := reldb.SetJobFailureCause(s.db, job.ID, reljobs.FailureInternalError, map[string]string{
				"error": err.Error(),
			}); err != nil {
				s.logl.Error.Printf("job %s: recording failure: %v", job.ID, err)
			}
		}
	}()
}

// reap finalizes a finished run. Executors normally leave the job in a stable
// state themselves; a job found live here fell through every error path and
// gets a generic cause (or cancelled, if that is what the operator asked).
func (s *Supervisor) reap(jobID string) {
	entry := s.running[jobID]
	delete(s.running, jobID)

	wasCancelled := s.cancelled[jobID]
	delete(s.cancelled, jobID)

	job, err := s.readJob(jobID)
	if err != nil {
		s.logl.Error.Printf("reap %s: %v", jobID, err)
		return
	}

	if !job.State.Stable() {
		if wasCancelled {
			if _, err := reldb.ForceJobState(s.db, jobID, reltypes.JobStateCancelled); err != nil {
				s.logl.Error.Printf("reap %s: %v", jobID, err)
			}
		} else if err := reldb.SetJobFailureCause(s.db, jobID, reljobs.FailureInternalError, map[string]string{
			"error": "job runner exited without reaching a stable state",
			"state": string(job.State),
		}); err != nil {
			s.logl.Error.Printf("reap %s: %v", jobID, err)
		}
	}

	if entry != nil {
		s.logl.Info.Printf("job %s finished in %s", jobID, time.Since(entry.startedAt))
	}
}

func (s *Supervisor) drain() {
	s.logl.Info.Printf("stopping; %d jobs running", len(s.running))

	for _, entry := range s.running {
		s.cancelled[entry.jobID] = true
		entry.cancel()
	}

	for len(s.running) > 0 {
		s.reap(<-s.runDone)
	}
}

// Cancel dequeues a pending job or interrupts a running one. Unknown or
// already-stable jobs report false.
func (s *Supervisor) Cancel(jobID string) (bool, error) {
	found := false
	var failure error

	s.submit(func() {
		if lo.Contains(s.queue, jobID) {
			s.queue = lo.Without(s.queue, jobID)

			if _, err := reldb.ForceJobState(s.db, jobID, reltypes.JobStateCancelled); err != nil {
				failure = err
				return
			}

			found = true
			return
		}

		if entry, live := s.running[jobID]; live {
			s.cancelled[jobID] = true
			entry.cancel()
			found = true
		}
	})

	return found, failure
}

type RunningJobStatus struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
}

type Stats struct {
	Queued  []string           `json:"queued"`
	Running []RunningJobStatus `json:"running"`
}

func (s *Supervisor) Stats() Stats {
	stats := Stats{Queued: []string{}, Running: []RunningJobStatus{}}

	s.submit(func() {
		stats.Queued = append(stats.Queued, s.queue...)

		for _, entry := range s.running {
			stats.Running = append(stats.Running, RunningJobStatus{
				JobID:     entry.jobID,
				Kind:      entry.kind,
				StartedAt: entry.startedAt,
			})
		}
	})

	return stats
}

func (s *Supervisor) readJob(jobID string) (*reltypes.Job, error) {
	var job *reltypes.Job

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = reldb.Read(tx).Job(jobID)
		return err
	})

	return job, err
}
