// Package launcher runs crawl jobs as supervised subprocesses over a fixed
// pool of worker slots.
package launcher

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlhq/spiderd/internal/environ"
	"github.com/crawlhq/spiderd/internal/logging"
	"github.com/crawlhq/spiderd/internal/metrics"
	"github.com/crawlhq/spiderd/internal/spiderd"
)

// JobSource hands out the next pending job, one consumer at a time. It is
// implemented by the poller.
type JobSource interface {
	Next(ctx context.Context) (spiderd.Message, error)
	Poll(ctx context.Context) error
}

// Config controls Launcher behavior.
type Config struct {
	// MaxProc is the number of worker slots, a hard ceiling on
	// simultaneously running crawl subprocesses.
	MaxProc        int
	FinishedToKeep int
	PollInterval   time.Duration
	// Python and Module form the crawl entry point:
	// <python> -m <module> crawl <spider> ...
	Python string
	Module string
}

// runningProc pairs a process record with the handle needed to signal it.
type runningProc struct {
	rec  spiderd.ProcessRecord
	proc *os.Process
}

// Launcher keeps MaxProc slots continuously fed from the job source. Each
// slot spawns one subprocess at a time, streams its output through the
// logger, and files an immutable record when it exits.
type Launcher struct {
	source JobSource
	eggs   spiderd.EggStorage
	env    *environ.Builder
	clock  spiderd.Clock
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	processes map[int]*runningProc
	finished  []spiderd.ProcessRecord
}

// New constructs a Launcher.
func New(
	source JobSource,
	eggs spiderd.EggStorage,
	env *environ.Builder,
	clock spiderd.Clock,
	cfg Config,
	logger *zap.Logger,
) *Launcher {
	if cfg.FinishedToKeep <= 0 {
		cfg.FinishedToKeep = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Launcher{
		source:    source,
		eggs:      eggs,
		env:       env,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		processes: make(map[int]*runningProc, cfg.MaxProc),
	}
}

// Run starts one goroutine per slot plus the periodic poll ticker and
// blocks until the context finishes and all running jobs have exited.
func (l *Launcher) Run(ctx context.Context) {
	l.logger.Info("launcher started", zap.Int("max_proc", l.cfg.MaxProc))

	var wg sync.WaitGroup
	for slot := 0; slot < l.cfg.MaxProc; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			l.runSlot(ctx, slot)
		}(slot)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.source.Poll(ctx); err != nil && ctx.Err() == nil {
					l.logger.Error("periodic poll failed", zap.Error(err))
				}
			}
		}
	}()

	wg.Wait()
	l.logger.Info("launcher stopped")
}

// runSlot is one slot's cycle: wait for a job, run it to completion, poll
// for more, repeat. Any per-job failure returns the slot to waiting; a slot
// is never lost.
func (l *Launcher) runSlot(ctx context.Context, slot int) {
	for {
		msg, err := l.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Error("wait for job failed", zap.Int("slot", slot), zap.Error(err))
			continue
		}
		l.runJob(ctx, slot, msg)
		if err := l.source.Poll(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("post-job poll failed", zap.Int("slot", slot), zap.Error(err))
		}
	}
}

// runJob resolves the project egg, spawns the crawl subprocess and
// supervises it until exit. Failures are logged and the job dropped;
// nothing is retried or re-enqueued.
func (l *Launcher) runJob(ctx context.Context, slot int, msg spiderd.Message) {
	log := l.logger.With(
		zap.Int("slot", slot),
		zap.String("project", msg.Project),
		zap.String("spider", msg.Spider),
		zap.String("job", msg.Job),
	)

	eggPath, cleanup, ok := l.materializeEgg(ctx, msg, log)
	if !ok {
		return
	}
	defer cleanup()

	env, err := l.env.Environ(msg, slot)
	if err != nil {
		log.Error("build environment failed", zap.Error(err))
		metrics.JobDropped("environment")
		return
	}
	env[environ.VarEggFile] = eggPath

	cmd := exec.CommandContext(ctx, l.cfg.Python, commandArgs(l.cfg.Module, msg)...)
	cmd.Env = append(os.Environ(), flatten(env)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("open stdout pipe failed", zap.Error(err))
		metrics.JobDropped("spawn")
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error("open stderr pipe failed", zap.Error(err))
		metrics.JobDropped("spawn")
		return
	}

	if err := cmd.Start(); err != nil {
		log.Error("spawn failed", zap.Error(err))
		metrics.JobDropped("spawn")
		return
	}
	pid := cmd.Process.Pid
	l.track(slot, pid, msg, cmd.Process)
	metrics.JobStarted()
	log.Info("job started", zap.Int("pid", pid))

	childLog := logging.ForChild(l.logger, pid, msg.Job)
	var outWG sync.WaitGroup
	outWG.Add(2)
	go func() {
		defer outWG.Done()
		relay(childLog, "stdout", stdout)
	}()
	go func() {
		defer outWG.Done()
		relay(childLog, "stderr", stderr)
	}()
	outWG.Wait()

	err = cmd.Wait()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	rec := l.finish(slot, exitCode)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.JobFinished(outcome)
	log.Info("job finished",
		zap.Int("pid", pid),
		zap.Int("exit_code", exitCode),
		zap.Duration("elapsed", rec.EndTime.Sub(rec.StartTime)),
	)
}

// materializeEgg copies the project's latest egg to a temporary file. A
// missing artifact drops the job with only a log line, matching the
// dispatch contract.
func (l *Launcher) materializeEgg(
	ctx context.Context,
	msg spiderd.Message,
	log *zap.Logger,
) (string, func(), bool) {
	version, egg, ok, err := l.eggs.Get(ctx, msg.Project, "")
	if err != nil {
		log.Error("resolve egg failed", zap.Error(err))
		metrics.JobDropped("storage")
		return "", nil, false
	}
	if !ok {
		log.Warn("no egg found for project, dropping job")
		metrics.JobDropped("missing_egg")
		return "", nil, false
	}
	defer egg.Close()

	tmp, err := os.CreateTemp("", "spiderd-egg-*.egg")
	if err != nil {
		log.Error("create temp egg failed", zap.Error(err))
		metrics.JobDropped("storage")
		return "", nil, false
	}
	if _, err := io.Copy(tmp, egg); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		log.Error("write temp egg failed", zap.Error(err))
		metrics.JobDropped("storage")
		return "", nil, false
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		log.Error("close temp egg failed", zap.Error(err))
		metrics.JobDropped("storage")
		return "", nil, false
	}

	log.Debug("egg materialized", zap.String("version", version), zap.String("path", tmp.Name()))
	cleanup := func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			log.Warn("remove temp egg failed", zap.Error(err))
		}
	}
	return tmp.Name(), cleanup, true
}

// commandArgs builds the crawl entry-point argument list. Spider arguments
// and per-job settings are emitted in sorted order so spawns are
// reproducible.
func commandArgs(module string, msg spiderd.Message) []string {
	args := []string{"-m", module, "crawl", msg.Spider}
	for _, k := range sortedKeys(msg.Args) {
		args = append(args, "-a", k+"="+msg.Args[k])
	}
	for _, k := range sortedKeys(msg.Settings) {
		args = append(args, "--set", k+"="+msg.Settings[k])
	}
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// relay copies one child output stream into the logger line by line.
func relay(log *zap.Logger, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Info(scanner.Text(), zap.String("stream", stream))
	}
	if err := scanner.Err(); err != nil {
		log.Warn("read child output failed", zap.String("stream", stream), zap.Error(err))
	}
}

// track registers a freshly spawned process under its slot.
func (l *Launcher) track(slot, pid int, msg spiderd.Message, proc *os.Process) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.processes[slot] = &runningProc{
		rec: spiderd.ProcessRecord{
			Slot:      slot,
			PID:       pid,
			Project:   msg.Project,
			Spider:    msg.Spider,
			Job:       msg.Job,
			StartTime: l.clock.Now(),
		},
		proc: proc,
	}
	metrics.SetRunningProcesses(len(l.processes))
}

// finish moves a slot's record from running to finished, evicting the
// oldest finished record past the cap, and returns the final record.
func (l *Launcher) finish(slot, exitCode int) spiderd.ProcessRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	rp := l.processes[slot]
	delete(l.processes, slot)
	metrics.SetRunningProcesses(len(l.processes))

	rec := rp.rec
	rec.EndTime = l.clock.Now()
	rec.ExitCode = exitCode
	l.finished = append(l.finished, rec)
	if len(l.finished) > l.cfg.FinishedToKeep {
		l.finished = l.finished[len(l.finished)-l.cfg.FinishedToKeep:]
	}
	return rec
}

// Running returns a snapshot of the currently running process records.
func (l *Launcher) Running() []spiderd.ProcessRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := make([]spiderd.ProcessRecord, 0, len(l.processes))
	for _, rp := range l.processes {
		recs = append(recs, rp.rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Slot < recs[j].Slot })
	return recs
}

// Finished returns a snapshot of the finished process records, oldest
// first.
func (l *Launcher) Finished() []spiderd.ProcessRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]spiderd.ProcessRecord(nil), l.finished...)
}

// Cancel sends a signal to the running process for the given job id. This
// is best-effort: the process may ignore the signal, and slot bookkeeping
// only updates on natural exit. Signalling a job that is not running is a
// no-op.
func (l *Launcher) Cancel(job string, sig os.Signal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, rp := range l.processes {
		if rp.rec.Job != job {
			continue
		}
		if err := rp.proc.Signal(sig); err != nil {
			// The process may have exited between lookup and signal.
			l.logger.Warn("signal job failed",
				zap.String("job", job),
				zap.Int("pid", rp.rec.PID),
				zap.Error(err),
			)
		}
		return true
	}
	return false
}
