// Package apply implements the patch-apply stage: download the patch set,
// apply it onto a fresh checkout and fold the result into a merge commit.
package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/patchburner/patchburner/internal/git"
	"github.com/patchburner/patchburner/internal/pipeline"
	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// Config holds the applier's environment.
type Config struct {
	// BaseDir is the per-branch working root; each branch gets
	// BaseDir/<branch-id>/{work,repo}.
	BaseDir string
	// TemplateDir is the pristine checkout copied into place per attempt.
	TemplateDir string
	// FetchURLBase is the attachment download prefix; the attachment id and
	// filename are appended.
	FetchURLBase string
	// ApplyScript is the path to the apply shell script staged into the
	// working directory.
	ApplyScript string
	GitUserName  string
	GitUserEmail string
}

// Applier is the apply-stage driver.
type Applier struct {
	store  storage.Storage
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

var _ pipeline.StageDriver = (*Applier)(nil)

// New creates an applier. A nil client uses http.DefaultClient.
func New(store storage.Storage, cfg Config, client *http.Client, logger *slog.Logger) *Applier {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: store, cfg: cfg, client: client, logger: logger}
}

func (a *Applier) branchDir(branch *types.Branch) string {
	return filepath.Join(a.cfg.BaseDir, strconv.FormatInt(branch.BranchID, 10))
}

func (a *Applier) workingDir(branch *types.Branch) string {
	return filepath.Join(a.branchDir(branch), "work")
}

func (a *Applier) repoDir(branch *types.Branch) string {
	return filepath.Join(a.branchDir(branch), "repo")
}

// Begin creates the Download task and starts the background download. The
// stage refuses to begin when the ledger is not empty: leftover tasks mean a
// previous attempt was not cleaned up.
func (a *Applier) Begin(ctx context.Context, branch *types.Branch) (bool, error) {
	tasks, err := a.store.TasksForBranch(ctx, branch.BranchID)
	if err != nil {
		return false, fmt.Errorf("failed to check existing tasks: %w", err)
	}
	if len(tasks) > 0 {
		return false, nil
	}

	task := &types.Task{
		TaskID:   fmt.Sprintf("Download-%d", branch.BranchID),
		TaskName: "Download",
		PatchID:  branch.PatchID,
		BranchID: branch.BranchID,
		Position: 1,
		Status:   types.TaskExecuting,
	}
	if err := a.store.CreateTask(ctx, task); err != nil {
		return false, fmt.Errorf("failed to create download task: %w", err)
	}

	go a.runDownload(branch, task)
	return true, nil
}

// runDownload initializes the per-branch directories, fetches the patch set
// and seeds the Apply task. It is the single writer of the Download task.
func (a *Applier) runDownload(branch *types.Branch, task *types.Task) {
	ctx := context.Background()

	abort := func(cause error) {
		a.logger.Error("download task aborted",
			"branch_id", branch.BranchID, "error", cause)
		cmds, err := a.store.CommandsForTask(ctx, task.ID, types.CommandPatchsetFile)
		if err == nil {
			for _, cmd := range cmds {
				cmd.Status = types.TaskAborted
				_ = a.store.UpdateCommand(ctx, cmd)
			}
		}
		if err := pipeline.AbortTask(ctx, a.store, task, cause); err != nil {
			a.logger.Error("failed to abort download task", "error", err)
		}
	}

	if err := a.initDirectories(ctx, branch); err != nil {
		abort(err)
		return
	}

	attachments, err := a.store.GetAttachments(ctx, branch.PatchID)
	if err != nil {
		abort(fmt.Errorf("failed to load attachments: %w", err))
		return
	}

	failCount := 0
	for _, att := range attachments {
		payload, err := json.Marshal(att)
		if err != nil {
			abort(err)
			return
		}

		cmd := &types.TaskCommand{TaskID: task.ID, Name: att.Filename, Payload: payload}
		if att.IsPatch && failCount == 0 {
			cmd.Type = types.CommandPatchsetFile
			if err := a.downloadAndSave(ctx, task, branch, att); err != nil {
				a.logger.Warn("attachment download failed",
					"filename", att.Filename, "error", err)
				failCount++
				cmd.Status = types.TaskFailed
			} else {
				cmd.Status = types.TaskCompleted
			}
		} else {
			cmd.Type = types.CommandOtherFile
			cmd.Status = types.TaskIgnored
		}
		if err := a.store.CreateCommand(ctx, cmd); err != nil {
			abort(err)
			return
		}
	}

	if failCount == 0 {
		if err := a.createApplyTask(ctx, branch, task); err != nil {
			abort(err)
			return
		}
		task.Status = types.TaskCompleted
	} else {
		task.Status = types.TaskFailed
	}
	if err := a.store.UpdateTask(ctx, task); err != nil {
		a.logger.Error("failed to finish download task", "error", err)
	}
}

// createApplyTask seeds the Apply task with one command per downloaded patch
// file, in lexical filename order.
func (a *Applier) createApplyTask(ctx context.Context, branch *types.Branch, downloadTask *types.Task) error {
	applyTask := &types.Task{
		TaskID:   fmt.Sprintf("Apply-%d", branch.BranchID),
		TaskName: "Apply",
		PatchID:  branch.PatchID,
		BranchID: branch.BranchID,
		Position: 2,
		Status:   types.TaskCreated,
		Payload:  []byte("{}"),
	}
	if err := a.store.CreateTask(ctx, applyTask); err != nil {
		return fmt.Errorf("failed to create apply task: %w", err)
	}

	cmds, err := a.store.CommandsForTask(ctx, downloadTask.ID, types.CommandPatchsetFile)
	if err != nil {
		return err
	}
	for _, cmd := range cmds {
		if err := a.store.CreateCommand(ctx, &types.TaskCommand{
			TaskID:  applyTask.ID,
			Name:    cmd.Name,
			Type:    types.CommandApplyPatch,
			Status:  types.TaskCreated,
			Payload: []byte("{}"),
		}); err != nil {
			return err
		}
	}
	return nil
}

// IsDone reports whether the stage finished. While the Download task is done
// and the patch count is still unset it launches the background apply run;
// the patch count doubles as the only-once latch.
func (a *Applier) IsDone(ctx context.Context, branch *types.Branch) (bool, error) {
	tasks, err := a.store.TasksForBranch(ctx, branch.BranchID)
	if err != nil {
		return false, err
	}

	allDone := len(tasks) > 0
	var downloadTask, applyTask *types.Task
	for _, t := range tasks {
		if !t.IsDone() {
			allDone = false
		}
		switch t.TaskName {
		case "Download":
			downloadTask = t
		case "Apply":
			applyTask = t
		}
	}
	if allDone {
		return true, nil
	}

	if downloadTask != nil && downloadTask.IsDone() && branch.PatchCount == nil && applyTask != nil {
		cmds, err := a.store.CommandsForTask(ctx, applyTask.ID, types.CommandApplyPatch)
		if err != nil {
			return false, err
		}
		count := len(cmds)
		branch.PatchCount = &count
		if err := a.store.UpsertBranch(ctx, branch); err != nil {
			return false, err
		}

		applyTask.Status = types.TaskExecuting
		if err := a.store.UpdateTask(ctx, applyTask); err != nil {
			return false, err
		}
		go a.runApply(branch, applyTask)
	}
	return false, nil
}

// runApply applies the downloaded patch files sequentially. The first failure
// marks its command FAILED and everything after it IGNORED.
func (a *Applier) runApply(branch *types.Branch, task *types.Task) {
	ctx := context.Background()

	abort := func(cause error) {
		a.logger.Error("apply task aborted", "branch_id", branch.BranchID, "error", cause)
		cmds, err := a.store.CommandsForTask(ctx, task.ID, types.CommandApplyPatch)
		if err == nil {
			for _, cmd := range cmds {
				if cmd.Status == types.TaskExecuting {
					cmd.Status = types.TaskAborted
					_ = a.store.UpdateCommand(ctx, cmd)
				}
			}
		}
		if err := pipeline.AbortTask(ctx, a.store, task, cause); err != nil {
			a.logger.Error("failed to abort apply task", "error", err)
		}
	}

	cmds, err := a.store.CommandsForTask(ctx, task.ID, types.CommandApplyPatch)
	if err != nil {
		abort(err)
		return
	}

	hasFailed := false
	for _, cmd := range cmds {
		cmd.Status = types.TaskExecuting
		if err := a.store.UpdateCommand(ctx, cmd); err != nil {
			abort(err)
			return
		}

		switch {
		case hasFailed:
			cmd.Status = types.TaskIgnored
		case a.performApply(ctx, branch, cmd):
			cmd.Status = types.TaskCompleted
		default:
			hasFailed = true
			cmd.Status = types.TaskFailed
		}
		if err := a.store.UpdateCommand(ctx, cmd); err != nil {
			abort(err)
			return
		}
	}

	if hasFailed {
		task.Status = types.TaskFailed
	} else {
		task.Status = types.TaskCompleted
	}
	if err := a.store.UpdateTask(ctx, task); err != nil {
		a.logger.Error("failed to finish apply task", "error", err)
	}
}

// DidFail sweeps the ledger for failures and, on a clean run, performs the
// post-conditions: patch count, diff stats, the merge commit, and the HEAD
// and base SHA capture. A failure in any of those converts the attempt to
// failed.
func (a *Applier) DidFail(ctx context.Context, branch *types.Branch) (bool, error) {
	failed, err := pipeline.BranchHasFailedTask(ctx, a.store, branch.BranchID)
	if err != nil {
		return true, err
	}

	count, err := a.countPatchFiles(branch)
	if err != nil {
		a.logger.Error("failed to count patch files", "error", err)
		return true, nil
	}
	branch.PatchCount = &count

	repo := git.NewRepo(a.repoDir(branch))
	firstAdd, firstDel, err := repo.Shortstat(ctx, "origin/master", fmt.Sprintf("HEAD~%d", count-1))
	if err != nil {
		a.logger.Error("first-patch shortstat failed", "error", err)
		return true, nil
	}
	allAdd, allDel, err := repo.Shortstat(ctx, "origin/master", "HEAD")
	if err != nil {
		a.logger.Error("shortstat failed", "error", err)
		return true, nil
	}

	if !failed {
		if err := a.convertToMergeCommit(ctx, branch, repo); err != nil {
			a.logger.Error("merge commit failed", "branch_id", branch.BranchID, "error", err)
			failed = true
		}
	}

	if !failed {
		head, err := repo.RevParse(ctx, "HEAD")
		if err != nil {
			return true, nil
		}
		base, err := repo.RevParse(ctx, "origin/master")
		if err != nil {
			return true, nil
		}
		branch.CommitID = head
		branch.BaseCommitSHA = base
		branch.FirstAdditions = &firstAdd
		branch.FirstDeletions = &firstDel
		branch.AllAdditions = &allAdd
		branch.AllDeletions = &allDel
	}
	return failed, nil
}

// Delay returns nil: apply work is quick enough that the caller polls on its
// own schedule.
func (a *Applier) Delay(branch *types.Branch) *time.Duration { return nil }

// initDirectories rebuilds the per-branch work area: a fresh copy of the
// template checkout, the apply script staged into the working directory, and
// a re-created per-patch branch.
func (a *Applier) initDirectories(ctx context.Context, branch *types.Branch) error {
	if _, err := os.Stat(a.cfg.BaseDir); err != nil {
		return fmt.Errorf("base directory %q does not exist", a.cfg.BaseDir)
	}
	entries, err := os.ReadDir(a.cfg.TemplateDir)
	if err != nil {
		return fmt.Errorf("template directory %q does not exist", a.cfg.TemplateDir)
	}
	if len(entries) == 0 {
		return fmt.Errorf("template directory %q is empty", a.cfg.TemplateDir)
	}
	if _, err := os.Stat(filepath.Join(a.cfg.TemplateDir, ".git")); err != nil {
		return fmt.Errorf("template directory %q is not a git checkout", a.cfg.TemplateDir)
	}
	if _, err := os.Stat(a.cfg.ApplyScript); err != nil {
		return fmt.Errorf("apply script %q does not exist", a.cfg.ApplyScript)
	}

	branchDir := a.branchDir(branch)
	if err := os.RemoveAll(branchDir); err != nil {
		return fmt.Errorf("failed to clear branch directory: %w", err)
	}
	if err := os.MkdirAll(a.workingDir(branch), 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	if err := copyTree(a.cfg.TemplateDir, a.repoDir(branch)); err != nil {
		return fmt.Errorf("failed to copy template: %w", err)
	}
	if err := copyFile(a.cfg.ApplyScript,
		filepath.Join(a.workingDir(branch), filepath.Base(a.cfg.ApplyScript))); err != nil {
		return fmt.Errorf("failed to stage apply script: %w", err)
	}

	repo := git.NewRepo(a.repoDir(branch))
	if err := repo.SetUser(ctx, a.cfg.GitUserName, a.cfg.GitUserEmail); err != nil {
		return err
	}
	repo.DeleteBranch(ctx, branch.BranchName)
	return repo.CheckoutNew(ctx, branch.BranchName)
}

// downloadAndSave fetches one attachment into the working directory and
// records it as a task artifact.
func (a *Applier) downloadAndSave(ctx context.Context, task *types.Task, branch *types.Branch, att *types.Attachment) error {
	url := a.cfg.FetchURLBase + strconv.FormatInt(att.AttachmentID, 10) + "/" + att.Filename

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	path := filepath.Join(a.workingDir(branch), att.Filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	size, err := f.ReadFrom(resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	payload, err := json.Marshal(att)
	if err != nil {
		return err
	}
	return a.store.CreateArtifact(ctx, &types.TaskArtifact{
		TaskID:  task.ID,
		Name:    att.Filename,
		Path:    path,
		Size:    size,
		Payload: payload,
	})
}

// applyResult is the per-command payload written after running the apply
// script.
type applyResult struct {
	ApplyResult string `json:"apply_result"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
}

// performApply runs the apply script on one patch file and writes the result
// into the command's payload. Returns true on success.
func (a *Applier) performApply(ctx context.Context, branch *types.Branch, cmd *types.TaskCommand) bool {
	workDir := a.workingDir(branch)
	if _, err := os.Stat(filepath.Join(workDir, cmd.Name)); err != nil {
		a.logger.Error("patch file missing", "filename", cmd.Name, "error", err)
		return false
	}

	stdout, stderr, err := runScript(ctx, workDir,
		"./"+filepath.Base(a.cfg.ApplyScript), cmd.Name, a.repoDir(branch))

	result := applyResult{ApplyResult: "Success", Stdout: stdout, Stderr: stderr}
	if err != nil {
		result.ApplyResult = "Failure"
	}
	if payload, merr := json.Marshal(result); merr == nil {
		cmd.Payload = payload
	}
	return err == nil
}

// convertToMergeCommit folds the applied patches into a single merge commit
// on top of origin/master.
func (a *Applier) convertToMergeCommit(ctx context.Context, branch *types.Branch, repo *git.Repo) error {
	commitID, err := repo.RevParse(ctx, "HEAD")
	if err != nil {
		return err
	}

	msgFile := filepath.Join(a.workingDir(branch), "merge_commit_msg.txt")
	msg := fmt.Sprintf("Merge branch '%s' into master\n\nPatch ID: %d\nBranch ID: %d\nCommit ID: %s\n",
		branch.BranchName, branch.PatchID, branch.BranchID, commitID)
	if err := os.WriteFile(msgFile, []byte(msg), 0o644); err != nil {
		return err
	}

	if err := repo.ResetHard(ctx, "origin/master"); err != nil {
		return err
	}
	return repo.MergeNoFF(ctx, msgFile, commitID)
}

// countPatchFiles counts the working directory's .diff and .patch files. An
// attachment can be an archive of patches, so the command count is not
// authoritative.
func (a *Applier) countPatchFiles(branch *types.Branch) (int, error) {
	entries, err := os.ReadDir(a.workingDir(branch))
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".diff") || strings.HasSuffix(e.Name(), ".patch") {
			count++
		}
	}
	return count, nil
}
