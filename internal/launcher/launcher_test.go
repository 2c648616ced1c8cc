package launcher_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crawlhq/spiderd/internal/clock/system"
	"github.com/crawlhq/spiderd/internal/environ"
	"github.com/crawlhq/spiderd/internal/launcher"
	"github.com/crawlhq/spiderd/internal/poller"
	"github.com/crawlhq/spiderd/internal/queue/sqlite"
	"github.com/crawlhq/spiderd/internal/spiderd"
	"github.com/crawlhq/spiderd/internal/storage/eggs"
)

// harness wires a real poller, queue and egg store around a Launcher whose
// "interpreter" is a shell script.
type harness struct {
	poller   *poller.Poller
	launcher *launcher.Launcher
	eggs     *eggs.Store
	cancel   context.CancelFunc
	done     chan struct{}
}

func newHarness(t *testing.T, maxProc int, script string, projects ...string) *harness {
	t.Helper()
	dir := t.TempDir()

	store, err := eggs.New(eggs.Config{BaseDir: filepath.Join(dir, "eggs")})
	require.NoError(t, err)
	for _, project := range projects {
		require.NoError(t,
			store.Put(context.Background(), strings.NewReader("egg"), project, "r1"))
	}

	open := func(project string) (spiderd.Queue, error) {
		return sqlite.Open(filepath.Join(dir, "dbs", project+".db"))
	}
	list := func(context.Context) ([]string, error) { return projects, nil }
	p := poller.New(open, list, zap.NewNop())
	require.NoError(t, p.UpdateProjects(context.Background()))

	builder := &environ.Builder{
		LogsDir:    filepath.Join(dir, "logs"),
		DBsDir:     filepath.Join(dir, "dbs"),
		LogsToKeep: 5,
	}
	l := launcher.New(p, store, builder, system.New(), launcher.Config{
		MaxProc:        maxProc,
		FinishedToKeep: 10,
		PollInterval:   20 * time.Millisecond,
		Python:         writeScript(t, script),
		Module:         "runner",
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	h := &harness{poller: p, launcher: l, eggs: store, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("launcher did not stop")
		}
		p.Close()
	})
	return h
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func (h *harness) enqueue(t *testing.T, project, spider, job string) {
	t.Helper()
	q, ok := h.poller.Queue(project)
	require.True(t, ok)
	require.NoError(t, q.Put(context.Background(), spiderd.Message{Name: spider, Job: job}, 0))
}

func runningJobs(l *launcher.Launcher) []string {
	var jobs []string
	for _, rec := range l.Running() {
		jobs = append(jobs, rec.Job)
	}
	return jobs
}

func finishedJobs(l *launcher.Launcher) []string {
	var jobs []string
	for _, rec := range l.Finished() {
		jobs = append(jobs, rec.Job)
	}
	return jobs
}

func TestSingleSlotRunsJobsInOrder(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "sleep 0.2", "p")

	h.enqueue(t, "p", "s", "j1")
	h.enqueue(t, "p", "s", "j2")

	// The first job occupies slot 0.
	var rec spiderd.ProcessRecord
	require.Eventually(t, func() bool {
		recs := h.launcher.Running()
		if len(recs) == 1 && recs[0].Slot == 0 && recs[0].Job == "j1" {
			rec = recs[0]
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "first job should occupy slot 0")

	assert.Equal(t, "p", rec.Project)
	assert.Equal(t, "s", rec.Spider)
	assert.NotZero(t, rec.PID)
	assert.False(t, rec.StartTime.IsZero())
	assert.True(t, rec.Running())

	// After it exits, the second job takes the slot and the first is
	// filed as finished.
	require.Eventually(t, func() bool {
		running := runningJobs(h.launcher)
		finished := finishedJobs(h.launcher)
		return len(finished) == 1 && finished[0] == "j1" &&
			len(running) == 1 && running[0] == "j2"
	}, 5*time.Second, 10*time.Millisecond, "slot should be reused for the second job")

	require.Eventually(t, func() bool {
		return len(finishedJobs(h.launcher)) == 2 && len(h.launcher.Running()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	finished := h.launcher.Finished()
	assert.Equal(t, []string{"j1", "j2"}, []string{finished[0].Job, finished[1].Job})
	for _, rec := range finished {
		assert.Zero(t, rec.ExitCode)
		assert.False(t, rec.EndTime.IsZero())
		assert.False(t, rec.Running())
	}
}

func TestSlotCeilingHolds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 2, "sleep 0.2", "p")

	for _, job := range []string{"j1", "j2", "j3", "j4"} {
		h.enqueue(t, "p", "s", job)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs := h.launcher.Running()
		require.LessOrEqual(t, len(recs), 2, "running processes must never exceed max_proc")
		seen := map[int]bool{}
		for _, rec := range recs {
			require.GreaterOrEqual(t, rec.Slot, 0)
			require.Less(t, rec.Slot, 2)
			require.False(t, seen[rec.Slot], "slot %d is doubly occupied", rec.Slot)
			seen[rec.Slot] = true
		}
		if len(finishedJobs(h.launcher)) == 4 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("jobs did not all finish: finished=%v", finishedJobs(h.launcher))
}

func TestFailedJobIsRecordedAndSlotSurvives(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "exit 3", "p")

	h.enqueue(t, "p", "s", "bad")
	require.Eventually(t, func() bool {
		finished := h.launcher.Finished()
		return len(finished) == 1 && finished[0].ExitCode == 3
	}, 5*time.Second, 10*time.Millisecond, "nonzero exit should still be filed as finished")

	// The slot is not lost: a later job still runs.
	h.enqueue(t, "p", "s", "next")
	require.Eventually(t, func() bool {
		return len(finishedJobs(h.launcher)) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMissingEggDropsJobSilently(t *testing.T) {
	t.Parallel()
	// The project is known (it has a queue) but no egg was ever uploaded.
	h := newHarness(t, 1, "sleep 0.1", "ghost")
	require.NoError(t, h.eggs.Delete(context.Background(), "ghost", ""))

	h.enqueue(t, "ghost", "s", "j1")

	// The job leaves the queue and vanishes: never running, never
	// finished, and the slot keeps serving.
	q, ok := h.poller.Queue("ghost")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		n, err := q.Count(context.Background())
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.launcher.Running())
	assert.Empty(t, h.launcher.Finished())
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 1, "sleep 30", "p")

	h.enqueue(t, "p", "s", "longjob")
	require.Eventually(t, func() bool {
		return len(h.launcher.Running()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, h.launcher.Cancel("longjob", syscall.SIGTERM))

	require.Eventually(t, func() bool {
		finished := h.launcher.Finished()
		return len(finished) == 1 && finished[0].Job == "longjob"
	}, 5*time.Second, 10*time.Millisecond, "signalled job should be filed on exit")
	assert.NotZero(t, h.launcher.Finished()[0].ExitCode)

	// Cancelling a job that is not running reports false.
	assert.False(t, h.launcher.Cancel("longjob", syscall.SIGTERM))
}

func TestFinishedListIsCapped(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	store, err := eggs.New(eggs.Config{BaseDir: filepath.Join(dir, "eggs")})
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), strings.NewReader("egg"), "p", "r1"))

	open := func(project string) (spiderd.Queue, error) {
		return sqlite.Open(filepath.Join(dir, "dbs", project+".db"))
	}
	list := func(context.Context) ([]string, error) { return []string{"p"}, nil }
	p := poller.New(open, list, zap.NewNop())
	require.NoError(t, p.UpdateProjects(context.Background()))
	defer p.Close()

	builder := &environ.Builder{
		LogsDir:    filepath.Join(dir, "logs"),
		DBsDir:     filepath.Join(dir, "dbs"),
		LogsToKeep: 5,
	}
	l := launcher.New(p, store, builder, system.New(), launcher.Config{
		MaxProc:        1,
		FinishedToKeep: 2,
		PollInterval:   10 * time.Millisecond,
		Python:         writeScript(t, "exit 0"),
		Module:         "runner",
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	q, _ := p.Queue("p")
	for _, job := range []string{"j1", "j2", "j3"} {
		require.NoError(t, q.Put(ctx, spiderd.Message{Name: "s", Job: job}, 0))
	}

	require.Eventually(t, func() bool {
		finished := finishedJobs(l)
		return len(finished) == 2 && finished[0] == "j2" && finished[1] == "j3"
	}, 5*time.Second, 10*time.Millisecond, "oldest finished record should be evicted")
}
