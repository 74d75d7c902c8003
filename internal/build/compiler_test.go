package build

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/storage/memory"
	"github.com/patchburner/patchburner/internal/types"
)

type runnerCall struct {
	dir  string
	name string
	args []string
}

// recordingRunner returns a Runner that records calls and fails any command
// whose name is in failOn.
func recordingRunner(calls *[]runnerCall, mu *sync.Mutex, failOn ...string) Runner {
	return func(ctx context.Context, dir, name string, args ...string) (string, string, error) {
		mu.Lock()
		*calls = append(*calls, runnerCall{dir: dir, name: name, args: args})
		mu.Unlock()
		for _, f := range failOn {
			if f == name {
				return "", "command failed", errors.New("exit status 1")
			}
		}
		return "ok", "", nil
	}
}

func buildBranch(patchID int64) *types.Branch {
	return &types.Branch{
		PatchID: patchID, BranchID: patchID,
		BranchName: "cf/" + strconv.FormatInt(patchID, 10),
		Status:     types.StatusCompiling,
	}
}

func waitForTask(t *testing.T, store storage.Storage, taskID string) *types.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.GetTask(context.Background(), taskID)
		if err == nil && task.IsDone() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never finished", taskID)
	return nil
}

func TestCompilerBegin(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()
	branch := buildBranch(1)

	c := NewCompiler(store, t.TempDir(), nil, nil)
	ok, err := c.Begin(ctx, branch)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if !ok {
		t.Fatalf("Begin should succeed on a clean ledger")
	}

	wrapper, err := store.GetTask(ctx, "Compile "+branch.BranchName)
	if err != nil {
		t.Fatalf("wrapper task missing: %v", err)
	}
	if wrapper.Status != types.TaskCreated {
		t.Errorf("wrapper status = %q, want CREATED", wrapper.Status)
	}

	// A dirty ledger refuses to begin.
	ok, err = c.Begin(ctx, branch)
	if err != nil {
		t.Fatalf("second Begin failed: %v", err)
	}
	if ok {
		t.Errorf("Begin should refuse when tasks exist")
	}
}

func TestCompilerHappyFlow(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()
	branch := buildBranch(2)

	var mu sync.Mutex
	var calls []runnerCall
	c := NewCompiler(store, "/srv/burner", recordingRunner(&calls, &mu), nil)

	if _, err := c.Begin(ctx, branch); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// First poll: configure runs synchronously, ninja launches in the
	// background.
	done, err := c.IsDone(ctx, branch)
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if done {
		t.Fatalf("stage should not be done while ninja runs")
	}

	setup := waitForTask(t, store, "Meson Setup "+branch.BranchName)
	if setup.Status != types.TaskCompleted {
		t.Errorf("setup task = %q, want COMPLETED", setup.Status)
	}
	ninja := waitForTask(t, store, "Ninja "+branch.BranchName)
	if ninja.Status != types.TaskCompleted {
		t.Errorf("ninja task = %q, want COMPLETED", ninja.Status)
	}

	done, err = c.IsDone(ctx, branch)
	if err != nil {
		t.Fatalf("second IsDone failed: %v", err)
	}
	if !done {
		t.Fatalf("stage should be done after both steps finished")
	}

	failed, err := c.DidFail(ctx, branch)
	if err != nil {
		t.Fatalf("DidFail failed: %v", err)
	}
	if failed {
		t.Errorf("clean build reported as failed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("runner calls = %d, want 2", len(calls))
	}
	if calls[0].name != "meson" || calls[0].args[0] != "setup" {
		t.Errorf("first call = %+v, want meson setup", calls[0])
	}
	if !strings.HasSuffix(calls[0].dir, "/repo") {
		t.Errorf("configure should run in the repo dir, got %q", calls[0].dir)
	}
	if calls[1].name != "ninja" {
		t.Errorf("second call = %+v, want ninja", calls[1])
	}
	if !strings.HasSuffix(calls[1].dir, "/repo/build") {
		t.Errorf("ninja should run in the build dir, got %q", calls[1].dir)
	}
}

func TestCompilerConfigureFailureEndsStage(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()
	branch := buildBranch(3)

	var mu sync.Mutex
	var calls []runnerCall
	c := NewCompiler(store, "/srv/burner", recordingRunner(&calls, &mu, "meson"), nil)

	if _, err := c.Begin(ctx, branch); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	// A configure failure ends the stage on the spot; the wrapper completes
	// and the failure is left on the Meson Setup task for DidFail.
	done, err := c.IsDone(ctx, branch)
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if !done {
		t.Fatalf("configure failure should finish the stage immediately")
	}

	setup, err := store.GetTask(ctx, "Meson Setup "+branch.BranchName)
	if err != nil {
		t.Fatalf("setup task missing: %v", err)
	}
	if setup.Status != types.TaskFailed {
		t.Errorf("setup task = %q, want FAILED", setup.Status)
	}
	if _, err := store.GetTask(ctx, "Ninja "+branch.BranchName); err == nil {
		t.Errorf("ninja should not launch after a configure failure")
	}

	failed, err := c.DidFail(ctx, branch)
	if err != nil {
		t.Fatalf("DidFail failed: %v", err)
	}
	if !failed {
		t.Errorf("configure failure not reported by DidFail")
	}
}

func TestCompilerNinjaFailure(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()
	branch := buildBranch(4)

	var mu sync.Mutex
	var calls []runnerCall
	c := NewCompiler(store, "/srv/burner", recordingRunner(&calls, &mu, "ninja"), nil)

	if _, err := c.Begin(ctx, branch); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := c.IsDone(ctx, branch); err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}

	ninja := waitForTask(t, store, "Ninja "+branch.BranchName)
	if ninja.Status != types.TaskFailed {
		t.Fatalf("ninja task = %q, want FAILED", ninja.Status)
	}

	done, err := c.IsDone(ctx, branch)
	if err != nil {
		t.Fatalf("second IsDone failed: %v", err)
	}
	if !done {
		t.Fatalf("stage should be done once ninja finished, even failed")
	}
	failed, err := c.DidFail(ctx, branch)
	if err != nil {
		t.Fatalf("DidFail failed: %v", err)
	}
	if !failed {
		t.Errorf("ninja failure not reported by DidFail")
	}
}

func TestCompilerDelay(t *testing.T) {
	c := NewCompiler(memory.New(""), "", nil, nil)
	d := c.Delay(buildBranch(5))
	if d == nil || *d != 60*time.Second {
		t.Errorf("Delay = %v, want 60s", d)
	}
}

func TestTesterFlow(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()
	branch := buildBranch(6)
	branch.Status = types.StatusTesting

	var mu sync.Mutex
	var calls []runnerCall
	tester := NewTester(store, "/srv/burner", recordingRunner(&calls, &mu), nil)

	ok, err := tester.Begin(ctx, branch)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if !ok {
		t.Fatalf("Begin should succeed on a clean ledger")
	}

	done, err := tester.IsDone(ctx, branch)
	if err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}
	if done {
		t.Fatalf("stage should not be done while the run is in flight")
	}

	run := waitForTask(t, store, "Meson Test "+branch.BranchName)
	if run.Status != types.TaskCompleted {
		t.Errorf("run task = %q, want COMPLETED", run.Status)
	}

	done, err = tester.IsDone(ctx, branch)
	if err != nil {
		t.Fatalf("second IsDone failed: %v", err)
	}
	if !done {
		t.Fatalf("stage should be done after the run finished")
	}

	failed, err := tester.DidFail(ctx, branch)
	if err != nil {
		t.Fatalf("DidFail failed: %v", err)
	}
	if failed {
		t.Errorf("clean test run reported as failed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0].name != "meson" || calls[0].args[0] != "test" {
		t.Errorf("runner calls = %+v, want one meson test", calls)
	}
}

func TestTesterFailure(t *testing.T) {
	store := memory.New("")
	ctx := context.Background()
	branch := buildBranch(7)
	branch.Status = types.StatusTesting

	var mu sync.Mutex
	var calls []runnerCall
	tester := NewTester(store, "/srv/burner", recordingRunner(&calls, &mu, "meson"), nil)

	if _, err := tester.Begin(ctx, branch); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := tester.IsDone(ctx, branch); err != nil {
		t.Fatalf("IsDone failed: %v", err)
	}

	run := waitForTask(t, store, "Meson Test "+branch.BranchName)
	if run.Status != types.TaskFailed {
		t.Fatalf("run task = %q, want FAILED", run.Status)
	}

	done, err := tester.IsDone(ctx, branch)
	if err != nil {
		t.Fatalf("second IsDone failed: %v", err)
	}
	if !done {
		t.Fatalf("stage should be done once the run finished")
	}
	failed, err := tester.DidFail(ctx, branch)
	if err != nil {
		t.Fatalf("DidFail failed: %v", err)
	}
	if !failed {
		t.Errorf("test failure not reported by DidFail")
	}
}
