// Package inference runs the external multimodal binary against one staged image.
package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/visionbridge/internal/apperrors"
	"github.com/jo-hoe/visionbridge/internal/config"
)

// Flags understood by llama.cpp's multimodal CLI.
const (
	flagModel      = "-m"
	flagProjector  = "--mmproj"
	flagPrompt     = "-p"
	flagImage      = "--image"
	flagGPULayers  = "-ngl"
	flagTemp       = "--temp"
	flagEscape     = "-e"
	flagThreads    = "-t"
	flagJSONSchema = "--json-schema"
)

// waitDelay bounds how long Wait blocks on output pipes after the process is killed.
const waitDelay = 5 * time.Second

// Client runs one invocation and returns its captured output.
type Client interface {
	Invoke(ctx context.Context, req Request) (Output, error)
}

// Request is the per-job input of an invocation.
type Request struct {
	ImagePath string
	Prompt    string
	Schema    string // JSON schema text; empty disables --json-schema
}

// Output is everything observed from a finished child process. A non-zero
// ExitCode is data, not an error.
type Output struct {
	CommandLine string
	ExitCode    int
	Stdout      []byte
	Stderr      []byte
	Duration    time.Duration
}

// Invoker builds and executes the command line. It holds no per-call state.
type Invoker struct {
	binary        string
	modelPath     string
	projectorPath string
	gpuLayers     int
	temperature   float64
	threads       int
}

var _ Client = (*Invoker)(nil)

// New creates an Invoker from inference settings.
func New(cfg config.InferenceConfig) *Invoker {
	return &Invoker{
		binary:        cfg.Binary,
		modelPath:     cfg.ModelPath(),
		projectorPath: cfg.ProjectorPath(),
		gpuLayers:     cfg.GPULayers,
		temperature:   cfg.Temperature,
		threads:       cfg.Threads,
	}
}

// Args returns the argument vector for req, excluding the binary itself.
func (i *Invoker) Args(req Request) []string {
	args := []string{
		flagModel, i.modelPath,
		flagProjector, i.projectorPath,
		flagPrompt, req.Prompt,
		flagImage, req.ImagePath,
		flagGPULayers, strconv.Itoa(i.gpuLayers),
		flagTemp, strconv.FormatFloat(i.temperature, 'f', -1, 64),
		flagEscape,
		flagThreads, strconv.Itoa(i.threads),
	}
	if req.Schema != "" {
		args = append(args, flagJSONSchema, req.Schema)
	}
	return args
}

// Invoke runs the binary without a shell and waits for it to exit.
// Start failures return a LaunchFailed error. Cancellation of ctx kills the
// child and returns the partial output together with an UnexpectedFault.
func (i *Invoker) Invoke(ctx context.Context, req Request) (Output, error) {
	args := i.Args(req)
	out := Output{CommandLine: FormatCommandLine(i.binary, args)}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, i.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return out, apperrors.Wrap(apperrors.KindLaunchFailed, err, "start "+i.binary).
			WithDetails("command: " + out.CommandLine + "\nerror: " + err.Error())
	}
	waitErr := cmd.Wait()
	out.Duration = time.Since(start)
	out.Stdout = stdout.Bytes()
	out.Stderr = stderr.Bytes()
	out.ExitCode = cmd.ProcessState.ExitCode()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, apperrors.Wrap(apperrors.KindUnexpectedFault, ctxErr, "inference interrupted").
			WithDetails(Describe(out))
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return out, apperrors.Wrap(apperrors.KindUnexpectedFault, waitErr, "wait for inference").
			WithDetails(Describe(out))
	}
	return out, nil
}

// MissingFiles returns the paths among paths that do not exist as regular files.
func MissingFiles(paths ...string) []string {
	var missing []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			missing = append(missing, p)
		}
	}
	return missing
}

// FormatCommandLine renders binary and args for diagnostics, quoting arguments
// that contain whitespace or quotes.
func FormatCommandLine(binary string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{binary}, args...) {
		if a == "" || strings.ContainsAny(a, " \t\n\"'") {
			a = strconv.Quote(a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Describe renders the full diagnostic of an invocation.
func Describe(out Output) string {
	var b strings.Builder
	fmt.Fprintf(&b, "command: %s\n", out.CommandLine)
	fmt.Fprintf(&b, "exit code: %d\n", out.ExitCode)
	fmt.Fprintf(&b, "stderr:\n%s\n", out.Stderr)
	fmt.Fprintf(&b, "stdout:\n%s", out.Stdout)
	return b.String()
}
