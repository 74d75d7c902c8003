package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/patchburner/patchburner/internal/pipeline"
	"github.com/patchburner/patchburner/internal/storage/memory"
	"github.com/patchburner/patchburner/internal/types"
)

// okDriver is a stage driver that always succeeds immediately.
type okDriver struct{}

func (okDriver) Begin(ctx context.Context, b *types.Branch) (bool, error)   { return true, nil }
func (okDriver) IsDone(ctx context.Context, b *types.Branch) (bool, error)  { return true, nil }
func (okDriver) DidFail(ctx context.Context, b *types.Branch) (bool, error) { return false, nil }
func (okDriver) Delay(b *types.Branch) *time.Duration                       { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *memory.MemoryStorage) {
	t.Helper()
	store := memory.New("")
	engine := pipeline.NewEngine(store, okDriver{}, okDriver{}, okDriver{},
		pipeline.NewStoreNotifier(store, nil), nil)
	s := NewServer("127.0.0.1:0", store, engine, 5*time.Second, nil)
	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return ts, store
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body interface{}, out interface{}) int {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode failed: %v", err)
		}
	}
	return resp.StatusCode
}

func TestEnqueueAndPeek(t *testing.T) {
	ts, _ := newTestServer(t)

	var enqueued struct {
		Item *types.QueueItem `json:"item"`
	}
	status := postJSON(t, ts.URL+"/api/v1/cfbot/enqueue_patch", map[string]interface{}{
		"patch_id":   4980,
		"message_id": "<msg-1@example.org>",
		"fileset": []map[string]interface{}{
			{"attachmentid": 1, "filename": "0001-fix.patch", "ispatch": true},
		},
	}, &enqueued)
	if status != http.StatusOK {
		t.Fatalf("enqueue status = %d", status)
	}
	if enqueued.Item == nil || enqueued.Item.PatchID != 4980 {
		t.Fatalf("enqueued item = %+v", enqueued.Item)
	}

	var peeked struct {
		Item *struct {
			PatchID     int64               `json:"patch_id"`
			Attachments []*types.Attachment `json:"attachments"`
		} `json:"item"`
	}
	status = getJSON(t, ts.URL+"/api/v1/cfbot/peek", &peeked)
	if status != http.StatusOK {
		t.Fatalf("peek status = %d", status)
	}
	if peeked.Item == nil || peeked.Item.PatchID != 4980 {
		t.Fatalf("peeked item = %+v", peeked.Item)
	}
	if len(peeked.Item.Attachments) != 1 || peeked.Item.Attachments[0].Filename != "0001-fix.patch" {
		t.Errorf("peek should carry the fileset, got %+v", peeked.Item.Attachments)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ts, _ := newTestServer(t)
	status := postJSON(t, ts.URL+"/api/v1/cfbot/enqueue_patch",
		map[string]interface{}{"patch_id": 0}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("enqueue without identity = %d, want 400", status)
	}
}

func TestGetAndMoveCreatesBranch(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	if _, err := store.Queue().Insert(ctx, 7, "m1"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if _, err := store.Queue().Insert(ctx, 8, "m2"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	var moved struct {
		Returned   *types.QueueItem `json:"returned"`
		NewCurrent *types.QueueItem `json:"newcurrent"`
		Branch     *types.Branch    `json:"branch"`
	}
	status := getJSON(t, ts.URL+"/api/v1/cfbot/get_and_move", &moved)
	if status != http.StatusOK {
		t.Fatalf("get_and_move status = %d", status)
	}
	if moved.Returned == nil || moved.Returned.PatchID != 7 {
		t.Fatalf("returned = %+v, want patch 7", moved.Returned)
	}
	if moved.NewCurrent == nil || moved.NewCurrent.PatchID != 8 {
		t.Errorf("newcurrent = %+v, want patch 8", moved.NewCurrent)
	}
	if moved.Branch == nil || moved.Branch.Status != types.StatusNew {
		t.Errorf("branch = %+v, want a fresh record", moved.Branch)
	}

	persisted, err := store.GetBranch(ctx, 7)
	if err != nil {
		t.Fatalf("GetBranch failed: %v", err)
	}
	if persisted.BranchName != "cf/7" {
		t.Errorf("branch name = %q, want cf/7", persisted.BranchName)
	}
}

func TestGetAndMoveEmptyQueue(t *testing.T) {
	ts, _ := newTestServer(t)

	var moved struct {
		Returned   *types.QueueItem `json:"returned"`
		NewCurrent *types.QueueItem `json:"newcurrent"`
	}
	status := getJSON(t, ts.URL+"/api/v1/cfbot/get_and_move", &moved)
	if status != http.StatusOK {
		t.Fatalf("get_and_move status = %d", status)
	}
	if moved.Returned != nil || moved.NewCurrent != nil {
		t.Errorf("empty queue should return nulls, got %+v / %+v", moved.Returned, moved.NewCurrent)
	}
}

func TestProcessBranchSteps(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	if _, _, err := pipeline.EnsureBranch(ctx, store, 9); err != nil {
		t.Fatalf("EnsureBranch failed: %v", err)
	}

	var stepped struct {
		Branch      *types.Branch `json:"branch"`
		Rescheduled bool          `json:"rescheduled"`
	}
	status := getJSON(t, ts.URL+"/api/v1/cfbot/branches/9/process_branch", &stepped)
	if status != http.StatusOK {
		t.Fatalf("process_branch status = %d", status)
	}
	if stepped.Branch == nil || stepped.Branch.Status != types.StatusApplying {
		t.Errorf("branch after one step = %+v, want applying", stepped.Branch)
	}
	if !stepped.Rescheduled {
		t.Errorf("first step should reschedule")
	}
}

func TestProcessBranchNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	status := getJSON(t, ts.URL+"/api/v1/cfbot/branches/999/process_branch", nil)
	if status != http.StatusNotFound {
		t.Errorf("process_branch on unknown patch = %d, want 404", status)
	}
}

func TestUpdateTaskStatus(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	if err := store.CreateTask(ctx, &types.Task{
		TaskID: "Ninja-5", TaskName: "Ninja", PatchID: 5, BranchID: 5,
		Position: 3, Status: types.TaskExecuting,
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	var updated struct {
		Task *types.Task `json:"task"`
	}
	status := postJSON(t, ts.URL+"/api/v1/cfbot/tasks/Ninja-5/update_status",
		map[string]interface{}{"status": "COMPLETED", "payload": map[string]string{"stdout": "done"}},
		&updated)
	if status != http.StatusOK {
		t.Fatalf("update_status = %d", status)
	}
	if updated.Task == nil || updated.Task.Status != types.TaskCompleted {
		t.Errorf("updated task = %+v", updated.Task)
	}

	got, err := store.GetTask(ctx, "Ninja-5")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != types.TaskCompleted {
		t.Errorf("persisted status = %q, want COMPLETED", got.Status)
	}
}

func TestUpdateTaskStatusValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	status := postJSON(t, ts.URL+"/api/v1/cfbot/tasks/whatever/update_status",
		map[string]interface{}{"status": "BOGUS"}, nil)
	if status != http.StatusBadRequest {
		t.Errorf("bogus status = %d, want 400", status)
	}

	status = postJSON(t, ts.URL+"/api/v1/cfbot/tasks/missing/update_status",
		map[string]interface{}{"status": "COMPLETED"}, nil)
	if status != http.StatusNotFound {
		t.Errorf("unknown task = %d, want 404", status)
	}
}

func TestBranchHistoryEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	for _, s := range []types.BranchStatus{types.StatusApplying, types.StatusApplied} {
		if err := store.AppendBranchHistory(ctx, &types.BranchHistory{
			PatchID: 3, BranchID: 3, BranchName: "cf/3", Status: s, Tasks: []byte("[]"),
		}); err != nil {
			t.Fatalf("AppendBranchHistory failed: %v", err)
		}
	}

	var body struct {
		History []*types.BranchHistory `json:"history"`
	}
	status := getJSON(t, ts.URL+"/api/v1/cfbot/branch_history?branch_id=3&limit=1", &body)
	if status != http.StatusOK {
		t.Fatalf("branch_history status = %d", status)
	}
	if len(body.History) != 1 || body.History[0].Status != types.StatusApplied {
		t.Errorf("history = %+v, want the newest row only", body.History)
	}
}
