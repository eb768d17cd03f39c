package pvml

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/imagvfx/pvml/log"
)

// readChunkSize is the block size for draining child process pipes.
const readChunkSize = 8192

// Runner executes a plan's tasks strictly in task table order. A later
// task may consume files a former task just produced, so tasks never run
// concurrently with each other.
type Runner struct {
	Plan         *Plan
	JobOrderPath string
}

// RunAll runs every task of the plan in order, stopping at the first
// failure.
func (r *Runner) RunAll() error {
	for _, t := range r.Plan.Tasks {
		if err := r.runTask(t); err != nil {
			t.State = TaskFailed
			return err
		}
		t.State = TaskSucceeded
	}
	return nil
}

// runTask spawns one task's executable with the job order path as its sole
// argument, draining stdout and stderr concurrently while the child runs.
// Each complete line is forwarded to the per-stream loggers and appended to
// the job's run log file; a trailing partial line is flushed at end of
// stream.
func (r *Runner) runTask(t *Task) error {
	cfg := r.Plan.Config
	log.Infof("starting task '%s/%s'", t.Name, t.Version)

	exe := t.Executable
	args := []string{r.JobOrderPath}
	if cfg.TaskWrapper != "" {
		args = []string{exe, r.JobOrderPath}
		exe = cfg.TaskWrapper
		if !strings.ContainsRune(exe, os.PathSeparator) {
			if full, err := exec.LookPath(exe); err == nil {
				exe = full
			}
		}
	}
	log.Infof("running command '%s %s'", exe, strings.Join(args, " "))

	runLog, err := os.OpenFile(
		filepath.Join(r.Plan.WorkingDirectory, "LOG."+cfg.JobOrderID),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open run log")
	}
	defer runLog.Close()

	cmd := exec.Command(exe, args...)
	cmd.Dir = r.Plan.WorkingDirectory

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return &ProcessorError{Msg: "could not start task '" + t.Name + "/" + t.Version + "'", Err: err}
	}
	t.State = TaskRunning

	// The run log interleaves both streams in arrival order.
	sink := &lineSink{w: runLog}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainStream(stdout, func(line string) {
			log.Stdout(line)
			sink.writeLine(line)
		})
	}()
	go func() {
		defer wg.Done()
		drainStream(stderr, func(line string) {
			log.Stderr(line)
			sink.writeLine(line)
		})
	}()
	wg.Wait()

	status := 0
	if err := cmd.Wait(); err != nil {
		exitErr := &exec.ExitError{}
		if !errors.As(err, &exitErr) {
			return &ProcessorError{Msg: "task '" + t.Name + "/" + t.Version + "' failed", Err: err}
		}
		status = exitErr.ExitCode()
	}

	if status == 0 {
		log.Infof("task '%s/%s' finished successfully", t.Name, t.Version)
	} else {
		log.Infof("task '%s/%s' finished with exit code %d", t.Name, t.Version, status)
	}
	for _, code := range t.ExpectedExitCodes {
		if status == code {
			return nil
		}
	}
	return Processorf("task '%s/%s' finished with exit code %d but expected %s",
		t.Name, t.Version, status, formatExitCodes(t.ExpectedExitCodes))
}

func formatExitCodes(codes []int) string {
	if len(codes) == 1 {
		return strconv.Itoa(codes[0])
	}
	parts := make([]string, len(codes))
	for i, code := range codes {
		parts[i] = strconv.Itoa(code)
	}
	return "one of [" + strings.Join(parts, ",") + "]"
}

// lineSink serializes line writes from both stream drain goroutines.
type lineSink struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *lineSink) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	io.WriteString(s.w, line)
	io.WriteString(s.w, "\n")
}

// drainStream reads r in chunks, splits the data into complete
// newline-terminated lines and hands each line to emit as soon as it is
// complete. A trailing partial line is flushed as a final line at end of
// stream.
func drainStream(r io.Reader, emit func(line string)) {
	var partial []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			var lines []string
			lines, partial = extractLines(append(partial, buf[:n]...))
			for _, line := range lines {
				emit(line)
			}
		}
		if err != nil {
			if len(partial) != 0 {
				emit(string(partial))
			}
			return
		}
	}
}

// extractLines splits buf into complete lines, discarding the newline
// characters, and returns any remaining bytes after the last newline.
func extractLines(buf []byte) (lines []string, rest []byte) {
	for {
		i := bytes.IndexByte(buf, '\n')
		if i == -1 {
			return lines, buf
		}
		lines = append(lines, string(buf[:i]))
		buf = buf[i+1:]
	}
}
