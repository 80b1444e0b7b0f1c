package buildmanager_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/nixpig/buildworker/internal/buildmanager"
	"github.com/nixpig/buildworker/internal/buildmanager/process"
	"github.com/nixpig/buildworker/internal/logstore"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.messages = append(n.messages, msg)

	return n.err
}

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return slices.Clone(n.messages)
}

// Last returns the last message, i.e. the completion report of a run.
func (n *recordingNotifier) Last() string {
	messages := n.Messages()
	if len(messages) == 0 {
		return ""
	}

	return messages[len(messages)-1]
}

// Chunks returns the concatenated progress chunks with the given prefix.
func (n *recordingNotifier) Chunks(prefix string) string {
	var b strings.Builder

	for _, m := range n.Messages() {
		if chunk, ok := strings.CutPrefix(m, prefix+"\n"); ok {
			b.WriteString(chunk)
		}
	}

	return b.String()
}

// failingStore wraps a Store and fails the configured operations.
type failingStore struct {
	*logstore.Store

	failReset  bool
	failAppend bool
}

func (s *failingStore) Reset(identity string) error {
	if s.failReset {
		return errors.New("disk on fire")
	}

	return s.Store.Reset(identity)
}

func (s *failingStore) Append(identity string, stream logstore.Stream, p []byte) error {
	if s.failAppend {
		return errors.New("disk full")
	}

	return s.Store.Append(identity, stream, p)
}

type testEnv struct {
	projects string
	store    *logstore.Store
	lock     *buildmanager.Lock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := logstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return &testEnv{
		projects: t.TempDir(),
		store:    store,
		lock:     buildmanager.NewLock(),
	}
}

func (e *testEnv) orchestrator(
	config buildmanager.Config,
	store buildmanager.LogStore,
) *buildmanager.Orchestrator {
	config.ProjectsRoot = e.projects

	if store == nil {
		store = e.store
	}

	return buildmanager.NewOrchestrator(
		config,
		e.lock,
		store,
		process.NewRunner(process.WithKillGrace(200*time.Millisecond)),
		slog.New(slog.DiscardHandler),
	)
}

func (e *testEnv) writeScript(t *testing.T, identity, body string) {
	t.Helper()

	dir := filepath.Join(e.projects, identity, "scripts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create scripts dir: '%v'", err)
	}

	if err := os.WriteFile(
		filepath.Join(dir, buildmanager.DefaultScript),
		[]byte(body),
		0644,
	); err != nil {
		t.Fatalf("failed to write script: '%v'", err)
	}
}

func (e *testEnv) readLog(t *testing.T, identity string, stream logstore.Stream) string {
	t.Helper()

	b, err := e.store.Read(identity, stream)
	if err != nil {
		t.Fatalf("expected to read %s log: got '%v'", stream, err)
	}

	return string(b)
}

func (e *testEnv) expectReleased(t *testing.T, identity string) {
	t.Helper()

	if r, held := e.lock.Get(identity); held {
		t.Errorf("expected lock to be released: held by '%+v'", r)
	}
}

func run(
	t *testing.T,
	o *buildmanager.Orchestrator,
	identity string,
	n buildmanager.Notifier,
) *buildmanager.Report {
	t.Helper()

	report, err := o.Run(context.Background(), request(identity), n)
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	return report
}

func request(identity string) buildmanager.Request {
	return buildmanager.Request{
		Identity:  identity,
		Requester: "alice",
		Command:   fmt.Sprintf("/build_%s_staging", identity),
	}
}

func expectContains(t *testing.T, what, got, want string) {
	t.Helper()

	if !strings.Contains(got, want) {
		t.Errorf("expected %s to contain '%s': got '%s'", what, want, got)
	}
}

func expectOutcome(
	t *testing.T,
	report *buildmanager.Report,
	want buildmanager.OutcomeKind,
) {
	t.Helper()

	if got := report.Outcome.Kind; got != want {
		t.Errorf(
			"expected outcome: got '%s', want '%s' (err: '%v')",
			got,
			want,
			report.Outcome.Err,
		)
	}
}

func TestOrchestratorSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.writeScript(t, "hipmi", "echo building\necho warning 1>&2\n")

	o := env.orchestrator(buildmanager.Config{
		PublicURL: "https://builds.example.com/",
	}, nil)

	n := &recordingNotifier{}

	report := run(t, o, "hipmi", n)

	expectOutcome(t, report, buildmanager.OutcomeSuccess)

	if report.Outcome.ExitCode != 0 {
		t.Errorf("expected exit code: got '%d', want '0'", report.Outcome.ExitCode)
	}

	if report.Outcome.Err != nil {
		t.Errorf("expected no outcome error: got '%v'", report.Outcome.Err)
	}

	if report.State != buildmanager.StateCompleting {
		t.Errorf(
			"expected state: got '%s', want '%s'",
			report.State,
			buildmanager.StateCompleting,
		)
	}

	if report.Outcome.Duration <= 0 {
		t.Errorf("expected positive duration: got '%s'", report.Outcome.Duration)
	}

	env.expectReleased(t, "hipmi")

	if got := n.Chunks("[OUT]"); got != "building\n" {
		t.Errorf("expected stdout chunks: got '%s', want 'building\n'", got)
	}

	if got := n.Chunks("[ERR]"); got != "warning\n" {
		t.Errorf("expected stderr chunks: got '%s', want 'warning\n'", got)
	}

	messages := n.Messages()
	expectContains(t, "first message", messages[0], "starting build hipmi")

	for _, want := range []string{
		"[INFO] log: https://builds.example.com/api/logs/staging/out/hipmi",
		"[INFO] log: https://builds.example.com/api/logs/staging/err/hipmi",
	} {
		if !slices.Contains(messages, want) {
			t.Errorf("expected message '%s': got '%q'", want, messages)
		}
	}

	last := n.Last()
	expectContains(t, "report", last, "Build    : hipmi success")
	expectContains(t, "report", last, "Exit code: 0")
	expectContains(t, "report", last, "User     : @alice")

	out := env.readLog(t, "hipmi", logstore.StreamOut)
	if !strings.HasPrefix(out, "building\n[FINISHED] ") ||
		!strings.HasSuffix(out, " success\n") {
		t.Errorf("expected out log with success footer: got '%s'", out)
	}

	errLog := env.readLog(t, "hipmi", logstore.StreamErr)
	if !strings.HasPrefix(errLog, "warning\n[FINISHED] ") {
		t.Errorf("expected err log with footer: got '%s'", errLog)
	}
}

func TestOrchestratorNonZeroExit(t *testing.T) {
	env := newTestEnv(t)
	env.writeScript(t, "darmasaba", "echo partial\nexit 7\n")

	n := &recordingNotifier{}

	report := run(t, env.orchestrator(buildmanager.Config{}, nil), "darmasaba", n)

	expectOutcome(t, report, buildmanager.OutcomeNonZeroExit)

	if report.Outcome.ExitCode != 7 {
		t.Errorf("expected exit code: got '%d', want '7'", report.Outcome.ExitCode)
	}

	var exitErr *buildmanager.NonZeroExitError
	if !errors.As(report.Outcome.Err, &exitErr) || exitErr.Code != 7 {
		t.Errorf("expected NonZeroExitError with code 7: got '%v'", report.Outcome.Err)
	}

	expectContains(t, "report", n.Last(), "Exit code: 7")
	expectContains(t, "report", n.Last(), "darmasaba failed")

	env.expectReleased(t, "darmasaba")

	if out := env.readLog(t, "darmasaba", logstore.StreamOut); !strings.HasPrefix(out, "partial\n") {
		t.Errorf("expected partial output in log: got '%s'", out)
	}
}

func TestOrchestratorTimeout(t *testing.T) {
	scenarios := map[string]struct {
		script   string
		exitCode int
		signal   syscall.Signal
		output   string
	}{
		"Script still running": {
			script:   "echo started\nsleep 30\necho unreachable\n",
			exitCode: -1,
			signal:   syscall.SIGKILL,
			output:   "started\n",
		},
		"Script exited, background child holds output": {
			script:   "echo started\nsleep 30 &\necho done\nexit 0\n",
			exitCode: 0,
			output:   "started\ndone\n",
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			env := newTestEnv(t)
			env.writeScript(t, "hipmi", data.script)

			n := &recordingNotifier{}

			o := env.orchestrator(buildmanager.Config{
				Timeout: 300 * time.Millisecond,
			}, nil)

			done := make(chan *buildmanager.Report, 1)
			go func() {
				report, _ := o.Run(context.Background(), request("hipmi"), n)
				done <- report
			}()

			var report *buildmanager.Report

			select {
			case report = <-done:
			case <-time.After(10 * time.Second):
				// Unblock the run so the test doesn't leak it.
				o.Shutdown()
				<-done
				t.Fatalf("expected build to end after the deadline")
			}

			if report == nil {
				t.Fatalf("expected a report")
			}

			expectOutcome(t, report, buildmanager.OutcomeTimedOut)

			if report.State != buildmanager.StateTimedOut {
				t.Errorf(
					"expected state: got '%s', want '%s'",
					report.State,
					buildmanager.StateTimedOut,
				)
			}

			if report.Outcome.ExitCode != data.exitCode {
				t.Errorf(
					"expected exit code: got '%d', want '%d'",
					report.Outcome.ExitCode,
					data.exitCode,
				)
			}

			if report.Outcome.Signal != data.signal {
				t.Errorf(
					"expected signal: got '%v', want '%v'",
					report.Outcome.Signal,
					data.signal,
				)
			}

			if !errors.Is(report.Outcome.Err, buildmanager.ErrTimedOut) {
				t.Errorf(
					"expected error: got '%v', want '%v'",
					report.Outcome.Err,
					buildmanager.ErrTimedOut,
				)
			}

			env.expectReleased(t, "hipmi")

			expectContains(t, "report", n.Last(), "hipmi timed out")

			out := env.readLog(t, "hipmi", logstore.StreamOut)

			if !strings.HasPrefix(out, data.output+"[FINISHED] ") {
				t.Errorf("expected output before the deadline in log: got '%s'", out)
			}

			if !strings.HasSuffix(out, " timed out\n") {
				t.Errorf("expected timed out footer: got '%s'", out)
			}
		})
	}
}

func TestOrchestratorInvalidIdentity(t *testing.T) {
	env := newTestEnv(t)

	n := &recordingNotifier{}

	report, err := env.orchestrator(buildmanager.Config{}, nil).
		Run(context.Background(), request("../etc"), n)

	if !errors.Is(err, buildmanager.ErrInvalidIdentity) {
		t.Errorf(
			"expected error: got '%v', want '%v'",
			err,
			buildmanager.ErrInvalidIdentity,
		)
	}

	if report != nil {
		t.Errorf("expected no report: got '%+v'", report)
	}

	if records := env.lock.Records(); len(records) != 0 {
		t.Errorf("expected no lock records: got '%+v'", records)
	}

	if got := len(n.Messages()); got != 1 {
		t.Fatalf("expected messages: got '%d', want '1'", got)
	}

	expectContains(t, "reply", n.Last(), "invalid project name")

	entries, err := os.ReadDir(env.store.Root())
	if err != nil {
		t.Fatalf("failed to read log root: '%v'", err)
	}

	if len(entries) != 0 {
		t.Errorf("expected no log to be touched: got '%v'", entries)
	}
}

func TestOrchestratorAlreadyLocked(t *testing.T) {
	env := newTestEnv(t)
	env.writeScript(t, "hipmi", "echo should not run\n")

	held, err := env.lock.TryAcquire("hipmi", "bob", "/build_hipmi_staging")
	if err != nil {
		t.Fatalf("expected not to receive error: got '%v'", err)
	}

	// Output of bob's build, which must survive the rejected request.
	if err := env.store.Append("hipmi", logstore.StreamOut, []byte("bob's build\n")); err != nil {
		t.Fatalf("failed to append log: '%v'", err)
	}

	n := &recordingNotifier{}

	report, err := env.orchestrator(buildmanager.Config{}, nil).
		Run(context.Background(), request("hipmi"), n)

	if report != nil {
		t.Errorf("expected no report: got '%+v'", report)
	}

	var locked *buildmanager.AlreadyLockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected already locked error: got '%v'", err)
	}

	if locked.Record != held {
		t.Errorf("expected blocking record: got '%+v', want '%+v'", locked.Record, held)
	}

	if got := len(n.Messages()); got != 1 {
		t.Fatalf("expected messages: got '%d', want '1'", got)
	}

	expectContains(t, "reply", n.Last(), "@bob")

	if got, _ := env.lock.Get("hipmi"); got != held {
		t.Errorf("expected holder unchanged: got '%+v', want '%+v'", got, held)
	}

	if got := env.readLog(t, "hipmi", logstore.StreamOut); got != "bob's build\n" {
		t.Errorf("expected log unchanged: got '%s'", got)
	}
}

func TestOrchestratorSpawnError(t *testing.T) {
	env := newTestEnv(t)

	n := &recordingNotifier{}

	report := run(t, env.orchestrator(buildmanager.Config{}, nil), "missing", n)

	expectOutcome(t, report, buildmanager.OutcomeSpawnError)

	if report.State != buildmanager.StateFailed {
		t.Errorf(
			"expected state: got '%s', want '%s'",
			report.State,
			buildmanager.StateFailed,
		)
	}

	var spawnErr *process.SpawnError
	if !errors.As(report.Outcome.Err, &spawnErr) {
		t.Errorf("expected SpawnError: got '%v'", report.Outcome.Err)
	}

	env.expectReleased(t, "missing")

	expectContains(t, "report", n.Last(), "missing spawn error")

	errLog := env.readLog(t, "missing", logstore.StreamErr)
	if !strings.HasPrefix(errLog, "[ERROR] spawn ") ||
		!strings.HasSuffix(errLog, " spawn error\n") {
		t.Errorf("expected spawn error in err log: got '%s'", errLog)
	}
}

func TestOrchestratorLogFailures(t *testing.T) {
	t.Run("Test reset failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.writeScript(t, "hipmi", "echo building\n")

		store := &failingStore{Store: env.store, failReset: true}

		report := run(t, env.orchestrator(buildmanager.Config{}, store), "hipmi", &recordingNotifier{})

		expectOutcome(t, report, buildmanager.OutcomeFailed)

		var ioErr *buildmanager.IOError
		if !errors.As(report.Outcome.Err, &ioErr) {
			t.Errorf("expected IOError: got '%v'", report.Outcome.Err)
		}

		env.expectReleased(t, "hipmi")
	})

	t.Run("Test append failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.writeScript(t, "hipmi", "echo building\n")

		store := &failingStore{Store: env.store, failAppend: true}
		n := &recordingNotifier{}

		report := run(t, env.orchestrator(buildmanager.Config{}, store), "hipmi", n)

		// Persistence is best effort; the build itself succeeded.
		expectOutcome(t, report, buildmanager.OutcomeSuccess)

		if got := n.Chunks("[OUT]"); got != "building\n" {
			t.Errorf("expected stdout chunks: got '%s', want 'building\n'", got)
		}

		env.expectReleased(t, "hipmi")
	})
}

func TestOrchestratorDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.writeScript(t, "hipmi", "echo building\n")

	n := &recordingNotifier{err: errors.New("chat is down")}

	report := run(t, env.orchestrator(buildmanager.Config{}, nil), "hipmi", n)

	expectOutcome(t, report, buildmanager.OutcomeSuccess)

	if len(n.Messages()) == 0 {
		t.Errorf("expected delivery to be attempted")
	}
}

func TestOrchestratorResetsLogs(t *testing.T) {
	env := newTestEnv(t)
	o := env.orchestrator(buildmanager.Config{}, nil)

	env.writeScript(t, "hipmi", "echo first run\n")
	run(t, o, "hipmi", nil)

	env.writeScript(t, "hipmi", "echo second run\n")
	run(t, o, "hipmi", nil)

	out := env.readLog(t, "hipmi", logstore.StreamOut)

	if strings.Contains(out, "first run") || !strings.HasPrefix(out, "second run\n") {
		t.Errorf("expected only the latest run in log: got '%s'", out)
	}

	if got := strings.Count(out, "[FINISHED]"); got != 1 {
		t.Errorf("expected footers: got '%d', want '1'", got)
	}
}

func TestOrchestratorChunksLargeOutput(t *testing.T) {
	env := newTestEnv(t)
	// 2500 lines of 4 bytes, plus multibyte runes.
	env.writeScript(t, "hipmi", "for i in $(seq 1000 3499); do echo $i; done\nprintf 'héllo wörld ✓\\n'\n")

	n := &recordingNotifier{}

	run(t, env.orchestrator(buildmanager.Config{ChunkSize: 1000}, nil), "hipmi", n)

	var chunks int
	for _, m := range n.Messages() {
		chunk, ok := strings.CutPrefix(m, "[OUT]\n")
		if !ok {
			continue
		}

		chunks++

		if len(chunk) == 0 || len(chunk) > 1000 {
			t.Errorf("expected chunk size in (0, 1000]: got '%d'", len(chunk))
		}
	}

	if chunks <= 10 {
		t.Errorf("expected more than 10 chunks: got '%d'", chunks)
	}

	// Delivered chunks and the persisted log carry the same bytes.
	out := env.readLog(t, "hipmi", logstore.StreamOut)
	content, _, _ := strings.Cut(out, "[FINISHED]")

	if got := n.Chunks("[OUT]"); got != content {
		t.Errorf("expected chunks to equal persisted log: got %d bytes, want %d", len(got), len(content))
	}
}

func TestOrchestratorConcurrentBuilds(t *testing.T) {
	env := newTestEnv(t)
	env.writeScript(t, "hipmi", "sleep 0.3\necho hipmi\n")
	env.writeScript(t, "darmasaba", "sleep 0.3\necho darmasaba\n")

	o := env.orchestrator(buildmanager.Config{}, nil)

	type result struct {
		report *buildmanager.Report
		err    error
	}

	requests := []buildmanager.Request{
		request("hipmi"),
		request("darmasaba"),
		request("hipmi"),
	}
	results := make([]result, len(requests))

	var wg sync.WaitGroup

	for i, req := range requests {
		wg.Go(func() {
			report, err := o.Run(context.Background(), req, nil)
			results[i] = result{report, err}
		})
	}

	wg.Wait()

	var succeeded, locked int

	for _, r := range results {
		var lockedErr *buildmanager.AlreadyLockedError

		switch {
		case r.err == nil && r.report.Outcome.Kind == buildmanager.OutcomeSuccess:
			succeeded++
		case errors.As(r.err, &lockedErr):
			locked++
		default:
			t.Errorf("unexpected result: %+v", r)
		}
	}

	if succeeded != 2 {
		t.Errorf("expected successful builds: got '%d', want '2'", succeeded)
	}

	if locked != 1 {
		t.Errorf("expected rejected builds: got '%d', want '1'", locked)
	}

	if records := env.lock.Records(); len(records) != 0 {
		t.Errorf("expected no lock records: got '%+v'", records)
	}
}

func TestOrchestratorShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.writeScript(t, "hipmi", "echo started\nsleep 30\n")

	o := env.orchestrator(buildmanager.Config{}, nil)

	done := make(chan *buildmanager.Report, 1)
	n := &recordingNotifier{}

	go func() {
		report, _ := o.Run(context.Background(), request("hipmi"), n)
		done <- report
	}()

	deadline := time.Now().Add(5 * time.Second)
	for n.Chunks("[OUT]") != "started\n" {
		if time.Now().After(deadline) {
			t.Fatalf("expected build to start")
		}

		time.Sleep(10 * time.Millisecond)
	}

	o.Shutdown()

	select {
	case report := <-done:
		if report == nil {
			t.Fatalf("expected a report")
		}

		expectOutcome(t, report, buildmanager.OutcomeNonZeroExit)

		if report.Outcome.Signal != syscall.SIGKILL {
			t.Errorf(
				"expected signal: got '%v', want '%v'",
				report.Outcome.Signal,
				syscall.SIGKILL,
			)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("expected build to end after shutdown")
	}

	if records := env.lock.Records(); len(records) != 0 {
		t.Errorf("expected no lock records: got '%+v'", records)
	}

	t.Run("Test builds after shutdown are rejected", func(t *testing.T) {
		env.writeScript(t, "darmasaba", "echo should not run\n")

		n := &recordingNotifier{}

		report, err := o.Run(context.Background(), request("darmasaba"), n)
		if !errors.Is(err, buildmanager.ErrShuttingDown) {
			t.Errorf(
				"expected error: got '%v', want '%v'",
				err,
				buildmanager.ErrShuttingDown,
			)
		}

		if report != nil {
			t.Errorf("expected no report: got '%+v'", report)
		}

		if _, held := env.lock.Get("darmasaba"); held {
			t.Errorf("expected identity not to be locked")
		}

		if _, err := env.store.Read("darmasaba", logstore.StreamOut); err == nil {
			t.Errorf("expected no log to be written")
		}

		expectContains(t, "reply", n.Last(), "shutting down")
	})
}

func TestReportString(t *testing.T) {
	report := &buildmanager.Report{
		Record: buildmanager.Record{Identity: "hipmi", Requester: "alice"},
		Outcome: buildmanager.Outcome{
			Kind:     buildmanager.OutcomeTimedOut,
			ExitCode: -1,
			Signal:   syscall.SIGKILL,
			Err:      buildmanager.ErrTimedOut,
			Duration: 15*time.Minute + 300*time.Millisecond,
		},
	}

	want := "Build    : hipmi timed out\n" +
		"Exit code: -1\n" +
		"Signal   : killed\n" +
		"Error    : build timed out\n" +
		"Duration : 15m0s\n" +
		"User     : @alice"

	if got := report.String(); got != want {
		t.Errorf("expected report: got '%s', want '%s'", got, want)
	}
}
