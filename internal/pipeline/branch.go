package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/patchburner/patchburner/internal/storage"
	"github.com/patchburner/patchburner/internal/types"
)

// BranchName is the per-patch git branch name.
func BranchName(patchID int64) string {
	return fmt.Sprintf("cf/%d", patchID)
}

// EnsureBranch creates or resets the branch record for a patch, starting a
// fresh attempt at status new. Returns whether the branch is brand new.
//
// The branch id mirrors the patch id: one attempt row per patch, rewritten on
// retry.
func EnsureBranch(ctx context.Context, store storage.Storage, patchID int64) (*types.Branch, bool, error) {
	existing, err := store.GetBranch(ctx, patchID)
	if err != nil && !errors.Is(err, storage.ErrBranchNotFound) {
		return nil, false, err
	}

	branch := &types.Branch{
		PatchID:    patchID,
		BranchID:   patchID,
		BranchName: BranchName(patchID),
		Status:     types.StatusNew,
	}
	if err := store.UpsertBranch(ctx, branch); err != nil {
		return nil, false, err
	}
	return branch, existing == nil, nil
}
