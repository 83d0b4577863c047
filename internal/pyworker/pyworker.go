// Package pyworker runs an embedded python helper as a long-lived
// subprocess speaking one JSON object per line. The model a worker loads
// stays resident exactly as long as the process lives, which gives the
// lifecycle manager deterministic release semantics: stop the worker and
// device memory is freed.
package pyworker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Worker is a running helper process. Not safe for concurrent Call.
type Worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	script string

	mu      sync.Mutex
	stopped bool
}

type readyMsg struct {
	Ready bool   `json:"ready"`
	Error string `json:"error"`
}

// Start writes script to a temp file and launches it. It blocks until the
// worker reports readiness (i.e. the model finished loading) or ctx ends.
func Start(ctx context.Context, name string, script []byte, args ...string) (*Worker, error) {
	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("scribeflow_%s.py", name))
	if err := os.WriteFile(scriptPath, script, 0o755); err != nil {
		return nil, fmt.Errorf("write helper script: %w", err)
	}

	py := os.Getenv("SCRIBEFLOW_PY")
	if py == "" {
		py = "python3"
	}
	cmd := exec.CommandContext(ctx, py, append([]string{scriptPath}, args...)...)
	cmd.Env = os.Environ()
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", name, err)
	}

	w := &Worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewScanner(stdoutPipe),
		script: scriptPath,
	}
	w.stdout.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var ready readyMsg
	if err := w.readLine(&ready); err != nil {
		w.Stop()
		return nil, fmt.Errorf("%s worker did not become ready: %w (%s)",
			name, err, strings.TrimSpace(stderr.String()))
	}
	if ready.Error != "" {
		w.Stop()
		return nil, fmt.Errorf("%s worker: %s", name, ready.Error)
	}
	return w, nil
}

// Call sends one request line and decodes one response line.
func (w *Worker) Call(req any, resp any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("worker already stopped")
	}

	enc, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := w.stdin.Write(append(enc, '\n')); err != nil {
		return fmt.Errorf("write to worker: %w", err)
	}
	return w.readLine(resp)
}

func (w *Worker) readLine(v any) error {
	if !w.stdout.Scan() {
		if err := w.stdout.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	return json.Unmarshal(w.stdout.Bytes(), v)
}

// Stop shuts the worker down. A polite shutdown request goes first; the
// process is killed if it lingers. Idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true

	if enc, err := json.Marshal(map[string]string{"cmd": "shutdown"}); err == nil {
		_, _ = w.stdin.Write(append(enc, '\n'))
	}
	_ = w.stdin.Close()

	done := make(chan struct{})
	go func() {
		_ = w.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = w.cmd.Process.Kill()
		<-done
	}
	_ = os.Remove(w.script)
}
