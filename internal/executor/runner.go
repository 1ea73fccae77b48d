// Package executor drives Terraform for one job in a workspace no other job touches.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"provisioning-orchestrator/internal/config"
	"provisioning-orchestrator/internal/credentials"
	"provisioning-orchestrator/internal/errs"
	"provisioning-orchestrator/internal/logging"
	"provisioning-orchestrator/internal/models"
)

// LineSink receives every line the tool prints, as it is printed.
type LineSink interface {
	Log(ctx context.Context, level, source, message string)
}

// RequiredOutputs must be present in `terraform output` after a zero exit.
var RequiredOutputs = []string{"instance_id"}

const errorMarker = "Error:"

// Result is what a successful run produced.
type Result struct {
	Outputs      map[string]string
	InstanceID   string
	PublicIP     string
	PrivateIP    string
	Workspace    string
	StateArchive string
}

// Runner executes the Terraform lifecycle for jobs.
type Runner struct {
	binary      string
	templateDir string
	workdir     string
	timeout     time.Duration
	policy      config.Policy
	identity    string
	archiver    StateArchiver
	logger      *zap.Logger
}

// NewRunner builds a runner from config. archiver may be nil.
func NewRunner(cfg config.Config, archiver StateArchiver, logger *zap.Logger) *Runner {
	timeout := cfg.TerraformTimeout
	if timeout <= 0 {
		timeout = 45 * time.Minute
	}
	return &Runner{
		binary:      cfg.TerraformBinary,
		templateDir: cfg.TerraformTemplateDir,
		workdir:     cfg.JobsWorkdir,
		timeout:     timeout,
		policy:      cfg.Policy,
		identity:    cfg.ImageManagerIdentity,
		archiver:    archiver,
		logger:      logging.Component(logger, "executor"),
	}
}

// Workspace is the job's private directory.
func (r *Runner) Workspace(jobID string) string {
	return filepath.Join(r.workdir, jobID)
}

// Execute runs init, validate, apply, and output for job. Partial resources are left in
// place on failure; the workspace and archived state are kept for manual remediation.
func (r *Runner) Execute(ctx context.Context, job models.Job, creds credentials.Credentials, sink LineSink) (Result, error) {
	vars, err := BuildVariables(job, r.policy, r.identity)
	if err != nil {
		return Result{}, errs.Execution(err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	dir := r.Workspace(job.ID)
	if err := r.prepareWorkspace(ctx, dir, sink); err != nil {
		return Result{}, errs.Execution(err)
	}
	if err := writeTFVars(dir, vars); err != nil {
		return Result{}, errs.Execution(err)
	}
	sink.Log(ctx, models.LevelInfo, models.SourceTerraform, "Written tfvars with allow-listed variables")

	env := commandEnv(creds)
	sink.Log(ctx, models.LevelDebug, models.SourceTerraform, "Environment vars set: "+strings.Join(safeEnvKeys(creds), ", "))

	steps := [][]string{
		{"init", "-input=false", "-no-color"},
		{"validate", "-no-color"},
		{"apply", "-auto-approve", "-input=false", "-no-color"},
	}
	for _, args := range steps {
		if err := r.run(ctx, dir, env, args, sink, nil); err != nil {
			return Result{Workspace: dir}, r.failure(ctx, err, args[0])
		}
	}

	var stdout bytes.Buffer
	if err := r.run(ctx, dir, env, []string{"output", "-json", "-no-color"}, sink, &stdout); err != nil {
		return Result{Workspace: dir}, r.failure(ctx, err, "output")
	}
	outputs, err := ParseOutputs(stdout.Bytes())
	if err != nil {
		return Result{Workspace: dir}, errs.Execution(err)
	}
	sink.Log(ctx, models.LevelInfo, models.SourceTerraform, "Retrieved "+strconv.Itoa(len(outputs))+" outputs")

	res := Result{
		Outputs:    outputs,
		InstanceID: outputs["instance_id"],
		PublicIP:   outputs["public_ip"],
		PrivateIP:  outputs["private_ip"],
		Workspace:  dir,
	}
	res.StateArchive = r.archiveState(ctx, job.ID, dir, sink)

	for _, key := range RequiredOutputs {
		if outputs[key] == "" {
			return res, errs.Execution(errors.WithHint(
				errors.Newf("terraform exited 0 but output %q is missing", key),
				"inspect the job workspace; resources may have been partially created"))
		}
	}
	return res, nil
}

func (r *Runner) failure(ctx context.Context, err error, step string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = errors.Wrapf(err, "terraform %s exceeded %s", step, r.timeout)
	} else {
		err = errors.Wrapf(err, "terraform %s", step)
	}
	return errs.Execution(errors.WithHint(err, "resources are not rolled back; run terraform destroy from the archived state"))
}

func (r *Runner) prepareWorkspace(ctx context.Context, dir string, sink LineSink) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "create workspace")
	}
	sink.Log(ctx, models.LevelInfo, models.SourceTerraform, "Created workspace: "+dir)

	copied := 0
	for _, pattern := range []string{"*.tf", "*.tpl"} {
		matches, err := filepath.Glob(filepath.Join(r.templateDir, pattern))
		if err != nil {
			return errors.Wrapf(err, "glob %s", pattern)
		}
		for _, src := range matches {
			if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
				return err
			}
			sink.Log(ctx, models.LevelDebug, models.SourceTerraform, "Copied "+filepath.Base(src))
			copied++
		}
	}
	if copied == 0 {
		return errors.Newf("no terraform templates found in %s", r.templateDir)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	return errors.Wrapf(out.Close(), "close %s", dst)
}

func writeTFVars(dir string, vars Variables) error {
	raw, err := json.MarshalIndent(vars, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal tfvars")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(dir, "terraform.tfvars.json"), raw, 0o600), "write tfvars")
}

func commandEnv(creds credentials.Credentials) []string {
	env := os.Environ()
	for k, v := range creds.Env() {
		env = append(env, k+"="+v)
	}
	return append(env, "TF_IN_AUTOMATION=1")
}

func safeEnvKeys(creds credentials.Credentials) []string {
	var keys []string
	for k := range creds.Env() {
		upper := strings.ToUpper(k)
		if strings.Contains(upper, "SECRET") || strings.Contains(upper, "TOKEN") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// run executes one terraform command. stdout and stderr are drained by separate
// goroutines so neither pipe can fill and stall the process. When capture is set,
// stdout goes there instead of the sink.
func (r *Runner) run(ctx context.Context, dir string, env, args []string, sink LineSink, capture *bytes.Buffer) error {
	sink.Log(ctx, models.LevelInfo, models.SourceTerraform, "Running: terraform "+strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.WaitDelay = 10 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start terraform")
	}

	var g errgroup.Group
	g.Go(func() error {
		if capture != nil {
			_, err := io.Copy(capture, stdout)
			return err
		}
		return streamLines(ctx, stdout, sink)
	})
	g.Go(func() error {
		return streamLines(ctx, stderr, sink)
	})
	readErr := g.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && ctx.Err() == nil {
			return errors.Newf("exit code %d", exitErr.ExitCode())
		}
		return errors.Wrap(waitErr, "wait")
	}
	if readErr != nil {
		r.logger.Warn("read terraform output", zap.Error(readErr))
	}
	return nil
}

const maxLineBytes = 1024 * 1024

// streamLines forwards rd to sink line by line. It always reads rd to EOF: a child
// blocked on a full pipe would otherwise never exit.
func streamLines(ctx context.Context, rd io.Reader, sink LineSink) error {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r ")
		if line == "" {
			continue
		}
		sink.Log(ctx, LineLevel(line), models.SourceTerraform, line)
	}
	if err := scanner.Err(); err != nil {
		msg := "Output could not be read (" + err.Error() + "); remaining output discarded"
		if errors.Is(err, bufio.ErrTooLong) {
			msg = "Output line exceeded 1 MiB; remaining output discarded"
		}
		sink.Log(ctx, models.LevelWarn, models.SourceTerraform, msg)
		_, _ = io.Copy(io.Discard, rd)
		return errors.Wrap(err, "scan output")
	}
	return nil
}

// LineLevel tags a line of tool output: lines carrying the error marker are errors.
func LineLevel(line string) string {
	if strings.Contains(line, errorMarker) {
		return models.LevelError
	}
	return models.LevelInfo
}

// ParseOutputs unwraps `terraform output -json`. String values are kept verbatim;
// anything else is re-encoded as compact JSON.
func ParseOutputs(raw []byte) (map[string]string, error) {
	var wrapped map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, errors.Wrap(err, "parse terraform outputs")
	}
	out := make(map[string]string, len(wrapped))
	for k, v := range wrapped {
		if len(v.Value) == 0 || string(v.Value) == "null" {
			out[k] = ""
			continue
		}
		var s string
		if err := json.Unmarshal(v.Value, &s); err == nil {
			out[k] = s
			continue
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, v.Value); err != nil {
			return nil, errors.Wrapf(err, "output %s", k)
		}
		out[k] = compact.String()
	}
	return out, nil
}

func (r *Runner) archiveState(ctx context.Context, jobID, dir string, sink LineSink) string {
	if r.archiver == nil {
		return ""
	}
	state, err := os.ReadFile(filepath.Join(dir, "terraform.tfstate"))
	if err != nil {
		sink.Log(ctx, models.LevelWarn, models.SourceTerraform, "No state file to archive: "+err.Error())
		return ""
	}
	location, err := r.archiver.Archive(ctx, jobID, state)
	if err != nil {
		sink.Log(ctx, models.LevelWarn, models.SourceTerraform, "State archive failed: "+err.Error())
		return ""
	}
	sink.Log(ctx, models.LevelInfo, models.SourceTerraform, "State archived to "+location)
	return location
}
