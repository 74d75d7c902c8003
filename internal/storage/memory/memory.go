// Package memory implements the storage interface in memory. It backs tests
// and the --db=memory mode; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// MemoryStorage implements storage.Storage with in-process maps.
type MemoryStorage struct {
	mu sync.RWMutex

	queue *memQueue

	branches    map[int64]*types.Branch        // by patch id
	history     []*types.BranchHistory         // append-only
	tasks       map[string]*types.Task         // by external task id
	commands    map[int64][]*types.TaskCommand // by task row id
	artifacts   map[int64][]*types.TaskArtifact
	attachments map[int64][]*types.Attachment // by patch id

	nextHistoryID  int64
	nextTaskRowID  int64
	nextCommandID  int64
	nextArtifactID int64
}

var _ storage.Storage = (*MemoryStorage)(nil)

// New creates an empty in-memory store. The path argument is accepted for
// symmetry with the sqlite constructor and ignored.
func New(_ string) *MemoryStorage {
	s := &MemoryStorage{
		branches:    make(map[int64]*types.Branch),
		tasks:       make(map[string]*types.Task),
		commands:    make(map[int64][]*types.TaskCommand),
		artifacts:   make(map[int64][]*types.TaskArtifact),
		attachments: make(map[int64][]*types.Attachment),
	}
	s.queue = &memQueue{store: s, items: make(map[int64]*types.QueueItem)}
	return s
}

// Queue returns the singleton ring queue.
func (s *MemoryStorage) Queue() storage.Queue { return s.queue }

// Path returns "" for in-memory stores.
func (s *MemoryStorage) Path() string { return "" }

// Close is a no-op for in-memory stores.
func (s *MemoryStorage) Close() error { return nil }

func copyBranch(b *types.Branch) *types.Branch {
	c := *b
	c.PatchCount = copyInt(b.PatchCount)
	c.FirstAdditions = copyInt(b.FirstAdditions)
	c.FirstDeletions = copyInt(b.FirstDeletions)
	c.AllAdditions = copyInt(b.AllAdditions)
	c.AllDeletions = copyInt(b.AllDeletions)
	c.NeedsRebaseSince = copyTime(b.NeedsRebaseSince)
	c.FailingSince = copyTime(b.FailingSince)
	return &c
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// UpsertBranch writes the branch row for its patch id.
func (s *MemoryStorage) UpsertBranch(ctx context.Context, b *types.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.branches[b.PatchID]; ok && b.Created.IsZero() {
		b.Created = existing.Created
	}
	if b.Created.IsZero() {
		b.Created = now
	}
	b.Modified = now
	s.branches[b.PatchID] = copyBranch(b)
	return nil
}

// GetBranch returns the branch for a patch id, or ErrBranchNotFound.
func (s *MemoryStorage) GetBranch(ctx context.Context, patchID int64) (*types.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.branches[patchID]
	if !ok {
		return nil, storage.ErrBranchNotFound
	}
	return copyBranch(b), nil
}

// ListBranches returns all branches ordered by patch id.
func (s *MemoryStorage) ListBranches(ctx context.Context) ([]*types.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Branch, 0, len(s.branches))
	for _, b := range s.branches {
		out = append(out, copyBranch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatchID < out[j].PatchID })
	return out, nil
}

// AppendBranchHistory appends one snapshot row.
func (s *MemoryStorage) AppendBranchHistory(ctx context.Context, h *types.BranchHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextHistoryID++
	h.ID = s.nextHistoryID
	if h.Modified.IsZero() {
		h.Modified = time.Now()
	}
	c := *h
	s.history = append(s.history, &c)
	return nil
}

// GetBranchHistory returns the most recent snapshots for a branch, newest
// first. limit <= 0 means no limit.
func (s *MemoryStorage) GetBranchHistory(ctx context.Context, branchID int64, limit int) ([]*types.BranchHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.BranchHistory
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].BranchID != branchID {
			continue
		}
		c := *s.history[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CreateTask inserts a ledger task and fills in its row id.
func (s *MemoryStorage) CreateTask(ctx context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if t.Created.IsZero() {
		t.Created = now
	}
	t.Modified = now
	s.nextTaskRowID++
	t.ID = s.nextTaskRowID

	c := *t
	s.tasks[t.TaskID] = &c
	return nil
}

// UpdateTask rewrites a task's status and payload.
func (s *MemoryStorage) UpdateTask(ctx context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[t.TaskID]
	if !ok {
		return storage.ErrTaskNotFound
	}
	t.ID = existing.ID
	t.Created = existing.Created
	t.Modified = time.Now()

	c := *t
	s.tasks[t.TaskID] = &c
	return nil
}

// GetTask returns the task with the given external id, or ErrTaskNotFound.
func (s *MemoryStorage) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, storage.ErrTaskNotFound
	}
	c := *t
	return &c, nil
}

func (s *MemoryStorage) tasksForBranchLocked(branchID int64) []*types.Task {
	var out []*types.Task
	for _, t := range s.tasks {
		if t.BranchID == branchID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TasksForBranch returns a branch's tasks in position order.
func (s *MemoryStorage) TasksForBranch(ctx context.Context, branchID int64) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasksForBranchLocked(branchID), nil
}

// FirstTaskNamed returns the earliest task with the given name on a branch,
// or ErrTaskNotFound.
func (s *MemoryStorage) FirstTaskNamed(ctx context.Context, branchID int64, taskName string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tasksForBranchLocked(branchID) {
		if t.TaskName == taskName {
			return t, nil
		}
	}
	return nil, storage.ErrTaskNotFound
}

// ClearTasks deletes all tasks of a branch along with their commands and
// artifacts.
func (s *MemoryStorage) ClearTasks(ctx context.Context, branchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.tasks {
		if t.BranchID == branchID {
			delete(s.commands, t.ID)
			delete(s.artifacts, t.ID)
			delete(s.tasks, id)
		}
	}
	return nil
}

// CreateCommand inserts a task sub-command and fills in its row id.
func (s *MemoryStorage) CreateCommand(ctx context.Context, c *types.TaskCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCommandID++
	c.ID = s.nextCommandID
	cp := *c
	s.commands[c.TaskID] = append(s.commands[c.TaskID], &cp)
	return nil
}

// UpdateCommand rewrites a command's status, duration and payload.
func (s *MemoryStorage) UpdateCommand(ctx context.Context, c *types.TaskCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, list := range s.commands {
		for i, existing := range list {
			if existing.ID == c.ID {
				cp := *c
				list[i] = &cp
				return nil
			}
		}
	}
	return storage.ErrTaskNotFound
}

// CommandsForTask returns a task's commands in lexical name order. cmdType
// filters by command type; "" means all.
func (s *MemoryStorage) CommandsForTask(ctx context.Context, taskID int64, cmdType string) ([]*types.TaskCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TaskCommand
	for _, c := range s.commands[taskID] {
		if cmdType != "" && c.Type != cmdType {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Name, out[j].Name) < 0
	})
	return out, nil
}

// CreateArtifact inserts a task artifact and fills in its row id.
func (s *MemoryStorage) CreateArtifact(ctx context.Context, a *types.TaskArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextArtifactID++
	a.ID = s.nextArtifactID
	cp := *a
	s.artifacts[a.TaskID] = append(s.artifacts[a.TaskID], &cp)
	return nil
}

// ArtifactsForTask returns a task's artifacts in insertion order.
func (s *MemoryStorage) ArtifactsForTask(ctx context.Context, taskID int64) ([]*types.TaskArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.TaskArtifact
	for _, a := range s.artifacts[taskID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// ReplaceAttachments swaps the recorded file set of a patch.
func (s *MemoryStorage) ReplaceAttachments(ctx context.Context, patchID int64, attachments []*types.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]*types.Attachment, 0, len(attachments))
	for _, a := range attachments {
		cp := *a
		cp.PatchID = patchID
		if cp.Date.IsZero() {
			cp.Date = time.Now()
		}
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Filename < list[j].Filename })
	s.attachments[patchID] = list
	return nil
}

// GetAttachments returns a patch's files in filename order.
func (s *MemoryStorage) GetAttachments(ctx context.Context, patchID int64) ([]*types.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Attachment
	for _, a := range s.attachments[patchID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}
