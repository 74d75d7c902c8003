package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/patchburner/patchburner/internal/pipeline"
	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// queueItemView is a queue item augmented with the patch's attachments.
type queueItemView struct {
	*types.QueueItem
	Attachments []*types.Attachment `json:"attachments,omitempty"`
}

func (s *Server) itemView(r *http.Request, item *types.QueueItem) (*queueItemView, error) {
	if item == nil {
		return nil, nil
	}
	attachments, err := s.store.GetAttachments(r.Context(), item.PatchID)
	if err != nil {
		return nil, err
	}
	return &queueItemView{QueueItem: item, Attachments: attachments}, nil
}

// handleGetAndMove dequeues the next item, ensures its branch record exists,
// and returns both ends of the cursor move.
func (s *Server) handleGetAndMove(w http.ResponseWriter, r *http.Request) {
	returned, newCurrent, err := s.store.Queue().GetAndAdvance(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	var branch *types.Branch
	if returned != nil {
		branch, _, err = pipeline.EnsureBranch(r.Context(), s.store, returned.PatchID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	returnedView, err := s.itemView(r, returned)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	newCurrentView, err := s.itemView(r, newCurrent)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"returned":   returnedView,
		"newcurrent": newCurrentView,
		"branch":     branch,
	})
}

// handleGetQueue returns the full ring in list order.
func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.Queue().Items(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// handlePeek returns the cursor item without moving it.
func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.Queue().Peek(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	view, err := s.itemView(r, item)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if view == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"item": nil})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"item": view})
}

// handleBranches returns all branches, or one when patch_id is given.
func (s *Server) handleBranches(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("patch_id"); raw != "" {
		patchID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid patch_id: %w", err))
			return
		}
		branch, err := s.store.GetBranch(r.Context(), patchID)
		if errors.Is(err, storage.ErrBranchNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"branches": []*types.Branch{branch}})
		return
	}

	branches, err := s.store.ListBranches(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"branches": branches})
}

// handleTasks returns a branch's tasks in position order.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(r.URL.Query().Get("branch_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid branch_id: %w", err))
		return
	}
	tasks, err := s.store.TasksForBranch(r.Context(), branchID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// handleProcessBranch runs one engine step on a branch.
func (s *Server) handleProcessBranch(w http.ResponseWriter, r *http.Request) {
	patchID, err := strconv.ParseInt(r.PathValue("patch_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid patch_id: %w", err))
		return
	}

	branch, err := s.store.GetBranch(r.Context(), patchID)
	if errors.Is(err, storage.ErrBranchNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	lock := s.branchLock(patchID)
	lock.Lock()
	delay, err := s.engine.Step(r.Context(), branch)
	lock.Unlock()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	var delayMillis *int64
	if delay != nil {
		ms := delay.Milliseconds()
		delayMillis = &ms
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"branch":      branch,
		"delay_ms":    delayMillis,
		"rescheduled": delay != nil,
	})
}

// handleBranchHistory returns a branch's history, newest first.
func (s *Server) handleBranchHistory(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(r.URL.Query().Get("branch_id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid branch_id: %w", err))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
	}
	history, err := s.store.GetBranchHistory(r.Context(), branchID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"history": history})
}

// enqueueRequest is the enqueue_patch body: the patch identity, the message
// carrying the current patch set, and the set's files.
type enqueueRequest struct {
	PatchID   int64               `json:"patch_id"`
	MessageID string              `json:"message_id"`
	Fileset   []*types.Attachment `json:"fileset"`
}

// handleEnqueuePatch inserts a patch set into the ring and records its
// attachment list for the apply stage.
func (s *Server) handleEnqueuePatch(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	if req.PatchID == 0 || req.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("patch_id and message_id are required"))
		return
	}

	item, err := s.store.Queue().Insert(r.Context(), req.PatchID, req.MessageID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(req.Fileset) > 0 {
		if err := s.store.ReplaceAttachments(r.Context(), req.PatchID, req.Fileset); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"item": item})
}

// updateTaskStatusRequest is what an external CI system posts back.
type updateTaskStatusRequest struct {
	Status  types.TaskStatus `json:"status"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// handleUpdateTaskStatus lets an external CI system write a task's status.
func (s *Server) handleUpdateTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	var req updateTaskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	switch req.Status {
	case types.TaskCreated, types.TaskExecuting, types.TaskCompleted,
		types.TaskFailed, types.TaskAborted, types.TaskErrored, types.TaskIgnored:
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", req.Status))
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if errors.Is(err, storage.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	task.Status = req.Status
	if len(req.Payload) > 0 {
		task.Payload = req.Payload
	}
	task.Modified = time.Now()
	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}
