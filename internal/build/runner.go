// Package build implements the compile and test stages on top of meson and
// ninja.
package build

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// Runner executes one external command in a directory and returns its
// captured output. A non-nil error covers both launch failures and non-zero
// exits. Tests substitute fakes here.
type Runner func(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return strings.TrimRight(outBuf.String(), "\n"), strings.TrimRight(errBuf.String(), "\n"), err
}
