package execx

import (
	"context"
	"os/exec"
	"testing"
)

func TestOSRunner_OutputInputPipesStdin(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	r := NewOSRunner(nil, nil)
	out, err := r.OutputInput(context.Background(), "hello\n", "cat")
	if err != nil {
		t.Fatalf("OutputInput: %v", err)
	}
	if out != "hello" {
		t.Fatalf("out=%q", out)
	}
}

func TestOSRunner_OutputReportsStderr(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewOSRunner(nil, nil)
	_, err := r.Output(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	if err == nil {
		t.Fatalf("expected error")
	}
	if err.Error() != "sh: broken" {
		t.Fatalf("err=%q", err.Error())
	}
}

func TestOSRunner_RunHonoursContext(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewOSRunner(nil, nil).Run(ctx, "sleep", "5"); err == nil {
		t.Fatalf("expected cancelled command to fail")
	}
}
