package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/autoeda/chart-engine/internal/model"
	"github.com/autoeda/chart-engine/internal/redact"
)

const (
	// pollInterval bounds how stale a cancel observation can be.
	pollInterval = 10 * time.Millisecond

	memLimitMiB = 512
	cpuLimitSec = 3

	delayEnvA = "AUTOEDA_SB_TEST_DELAY_MS"
	delayEnvB = "AUTOEDA_SB_TEST_DELAY2_MS"
)

// CancelCheck reports whether the owning job was cancelled. The runner polls
// it at every checkpoint and roughly every 10ms while a child is in flight.
type CancelCheck func() bool

// Runner executes chart programs, either inline or in a hardened python
// subprocess with a fresh working directory per run.
type Runner struct {
	python  string
	timeout time.Duration
	log     zerolog.Logger
}

func NewRunner(timeoutMs int, log zerolog.Logger) *Runner {
	python, err := exec.LookPath("python3")
	if err != nil {
		python = "python3"
	}
	return &Runner{
		python:  python,
		timeout: time.Duration(timeoutMs) * time.Millisecond,
		log:     log.With().Str("component", "sandbox").Logger(),
	}
}

// PythonAvailable reports whether a python3 interpreter is on PATH.
func PythonAvailable() bool {
	_, err := exec.LookPath("python3")
	return err == nil
}

// RunTemplate renders a built-in template in process. The delay checkpoints
// make the path observably cancellable under test.
func (r *Runner) RunTemplate(cancelled CancelCheck, kind model.ChartKind, datasetID string) (*model.ChartResult, error) {
	if err := delayCheckpoint(cancelled, delayEnvA); err != nil {
		return nil, err
	}
	res := templateResult(kind, datasetID, "template", "inline")
	if err := delayCheckpoint(cancelled, delayEnvB); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunTemplateSubprocess renders the same template bundle but routes it
// through the child interpreter so isolation and kill semantics apply.
func (r *Runner) RunTemplateSubprocess(cancelled CancelCheck, kind model.ChartKind, datasetID string) (*model.ChartResult, error) {
	payload, err := json.Marshal(templateResult(kind, datasetID, "template", "subprocess"))
	if err != nil {
		return nil, newError(model.ErrKindUnknown, fmt.Sprintf("encode template payload: %v", err))
	}
	return r.runSnippet(cancelled, templateSnippet, map[string][]byte{"payload.json": payload})
}

// RunGeneratedChart executes the system-authored program that reads real
// dataset rows and emits a chart built from them.
func (r *Runner) RunGeneratedChart(cancelled CancelCheck, req model.ChartRequest, datasetPath string) (*model.ChartResult, error) {
	ctx, err := contextJSON(req, datasetPath)
	if err != nil {
		return nil, err
	}
	return r.runSnippet(cancelled, generatedChartSnippet, map[string][]byte{contextFileName: ctx})
}

// RunUserCode checks a user snippet against the static allowlist and, when it
// passes, executes it in the subprocess with dataset_path bound.
func (r *Runner) RunUserCode(cancelled CancelCheck, req model.ChartRequest, datasetPath string) (*model.ChartResult, error) {
	if err := CheckUserCode(req.Code); err != nil {
		return nil, err
	}
	ctx, err := contextJSON(req, datasetPath)
	if err != nil {
		return nil, err
	}
	program := userCodeHeader + "\n" + req.Code + "\n"
	return r.runSnippet(cancelled, program, map[string][]byte{contextFileName: ctx})
}

func contextJSON(req model.ChartRequest, datasetPath string) ([]byte, *Error) {
	seed := int64(42)
	if req.Seed != nil {
		seed = *req.Seed
	}
	data, err := json.Marshal(map[string]any{
		"dataset_id":   req.DatasetID,
		"dataset_path": datasetPath,
		"hint":         string(model.NormalizeChartKind(req.SpecHint)),
		"columns":      req.Columns,
		"seed":         seed,
	})
	if err != nil {
		return nil, newError(model.ErrKindUnknown, fmt.Sprintf("encode run context: %v", err))
	}
	return data, nil
}

// runSnippet writes the program and its input files into a fresh temp dir,
// runs it in its own process group and supervises cancel and timeout. The
// directory is removed when the run ends.
func (r *Runner) runSnippet(cancelled CancelCheck, program string, files map[string][]byte) (*model.ChartResult, error) {
	dir, err := os.MkdirTemp("", "autoeda-sb-")
	if err != nil {
		return nil, newError(model.ErrKindUnknown, fmt.Sprintf("create sandbox dir: %v", err))
	}
	defer os.RemoveAll(dir)

	full := fmt.Sprintf(snippetPreamble, memLimitMiB, cpuLimitSec) + program
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte(full), 0o600); err != nil {
		return nil, newError(model.ErrKindUnknown, fmt.Sprintf("write sandbox program: %v", err))
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o600); err != nil {
			return nil, newError(model.ErrKindUnknown, fmt.Sprintf("write sandbox input %s: %v", name, err))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(r.python, "main.py")
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = childEnv(dir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, newError(model.ErrKindUnknown, fmt.Sprintf("start sandbox: %v", err))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	for {
		select {
		case waitErr := <-done:
			if waitErr != nil {
				r.log.Debug().Err(waitErr).Msg("sandbox child exited nonzero")
				return nil, &Error{
					Kind:   model.ErrKindFormat,
					Detail: "chart process exited with an error",
					Logs:   redact.SummarizeLogs(stderr.String(), 20, 2000),
				}
			}
			return parseResult(stdout.Bytes(), stderr.String())
		case <-deadline.C:
			r.killGroup(cmd)
			<-done
			return nil, newError(model.ErrKindTimeout, fmt.Sprintf("sandbox run exceeded %s", r.timeout))
		case <-tick.C:
			if cancelled != nil && cancelled() {
				r.killGroup(cmd)
				<-done
				return nil, errCancelled
			}
		}
	}
}

// killGroup terminates the child and everything it spawned.
func (r *Runner) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

// childEnv builds the scrubbed child environment: interpreter plumbing plus
// the forwarded test delay knobs, nothing from the parent otherwise.
func childEnv(dir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"PYTHONUNBUFFERED=1",
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}
	for _, name := range []string{delayEnvA, delayEnvB} {
		if v := os.Getenv(name); v != "" {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// parseResult decodes the last stdout line as a chart result.
func parseResult(stdout []byte, stderrText string) (*model.ChartResult, error) {
	line := lastNonEmptyLine(stdout)
	if len(line) == 0 {
		return nil, &Error{
			Kind:   model.ErrKindFormat,
			Detail: "chart process produced no output",
			Logs:   redact.SummarizeLogs(stderrText, 20, 2000),
		}
	}
	var res model.ChartResult
	if err := json.Unmarshal(line, &res); err != nil {
		return nil, &Error{
			Kind:   model.ErrKindFormat,
			Detail: "chart process output is not valid result JSON",
			Logs:   redact.SummarizeLogs(stderrText, 20, 2000),
		}
	}
	if len(res.Outputs) == 0 {
		return nil, newError(model.ErrKindFormat, "chart result has no outputs")
	}
	return &res, nil
}

func lastNonEmptyLine(out []byte) []byte {
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}
	return nil
}

// delayCheckpoint sleeps for the configured test delay while polling the
// cancel flag, then observes the flag once more.
func delayCheckpoint(cancelled CancelCheck, envName string) error {
	ms, _ := strconv.Atoi(os.Getenv(envName))
	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)
	for {
		if cancelled != nil && cancelled() {
			return errCancelled
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil
		}
		if remain > pollInterval {
			remain = pollInterval
		}
		time.Sleep(remain)
	}
}
