package installer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestCommand(t *testing.T) {
	i := New("pkexec", "/usr/lib/hancom-viewer-installer/hancom-viewer-install")
	got := i.Command("/var/tmp/viewer.bin", []string{"libcups2", " ", "libqt5core5a"})
	want := []string{
		"pkexec",
		"/usr/lib/hancom-viewer-installer/hancom-viewer-install",
		"/var/tmp/viewer.bin",
		"libcups2",
		"libqt5core5a",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Command = %v, want %v", got, want)
	}
}

// writeScript creates a shell script that records its arguments.
func writeScript(t *testing.T, body string) (script, argsFile string) {
	t.Helper()
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	script = filepath.Join(dir, "install.sh")
	content := "#!/bin/sh\necho \"$@\" > " + argsFile + "\n" + body + "\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}
	return script, argsFile
}

func TestInstallPassesArguments(t *testing.T) {
	script, argsFile := writeScript(t, "echo installed; exit 0")

	res, err := New("/bin/sh", script).Install(context.Background(), "/var/tmp/viewer.bin", []string{"dep-a", "dep-b"})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "installed") {
		t.Fatalf("Output = %q", res.Output)
	}

	args, _ := os.ReadFile(argsFile)
	if got := strings.TrimSpace(string(args)); got != "/var/tmp/viewer.bin dep-a dep-b" {
		t.Fatalf("script args = %q", got)
	}
}

func TestInstallNonZeroExitIsNotAnError(t *testing.T) {
	script, _ := writeScript(t, "echo broken >&2; exit 3")

	res, err := New("/bin/sh", script).Install(context.Background(), "/var/tmp/viewer.bin", nil)
	if err != nil {
		t.Fatalf("a script that ran should not be an invocation error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "broken") {
		t.Fatalf("stderr should be captured, got %q", res.Output)
	}
}

func TestInstallMissingTool(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "no-such-tool"), "/x").Install(context.Background(), "/var/tmp/viewer.bin", nil)

	var ierr *InvocationError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected *InvocationError, got %v", err)
	}
	if len(ierr.Command) != 3 {
		t.Fatalf("Command = %v", ierr.Command)
	}
}

func TestInstallCancelledContext(t *testing.T) {
	script, _ := writeScript(t, "sleep 5")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New("/bin/sh", script).Install(ctx, "/var/tmp/viewer.bin", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimitedWriterCapsOutput(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: 4}
	n, err := w.Write([]byte("abcdef"))
	if err != nil || n != 6 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	w.Write([]byte("gh"))
	if buf.String() != "abcd" {
		t.Fatalf("buffer = %q", buf.String())
	}
}
