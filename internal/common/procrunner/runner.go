// Package procrunner runs external tools such as the database dump utility.
// Commands run without a shell; secrets are passed through the environment and
// never through the argument list.
package procrunner

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tansive/tenantsrv/internal/common/apperrors"
)

var (
	ErrCommand         apperrors.Error = apperrors.New("external command error").SetStatusCode(http.StatusInternalServerError)
	ErrInvalidCommand  apperrors.Error = ErrCommand.New("invalid command")
	ErrCommandNotFound apperrors.Error = ErrCommand.New("command not found")
	ErrCommandFailed   apperrors.Error = ErrCommand.New("command failed")
	ErrCommandTimeout  apperrors.Error = ErrCommand.New("command timed out").SetStatusCode(http.StatusGatewayTimeout)
)

// Command describes a single invocation.
type Command struct {
	Name string
	Args []string
	// Env entries override or extend the inherited environment.
	Env     map[string]string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Runner abstracts process execution so callers can be tested without the real tool.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, apperrors.Error)
}

type execRunner struct{}

func New() Runner {
	return &execRunner{}
}

// Run executes cmd and waits for it. A non-zero exit returns the result along
// with ErrCommandFailed; exceeding the timeout kills the process and returns
// ErrCommandTimeout.
func (r *execRunner) Run(ctx context.Context, c Command) (*Result, apperrors.Error) {
	if c.Name == "" {
		return nil, ErrInvalidCommand.Msg("command name is required")
	}
	path, err := exec.LookPath(c.Name)
	if err != nil {
		return nil, ErrCommandNotFound.MsgErr("command not found: "+c.Name, err)
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	env := os.Environ()
	for k, v := range c.Env {
		env = appendOrReplaceEnv(env, k, v)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, c.Args...)
	cmd.Env = env
	cmd.Dir = c.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	result := &Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   strings.TrimSpace(stderr.String()),
		Elapsed:  time.Since(start),
	}

	logger := log.Ctx(ctx).With().Str("command", c.Name).Dur("elapsed", result.Elapsed).Logger()
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Error().Dur("timeout", c.Timeout).Msg("command timed out")
			return result, ErrCommandTimeout.MsgErr("command timed out after "+c.Timeout.String(), runErr)
		}
		if ctx.Err() != nil {
			return result, ErrCommandFailed.MsgErr("command cancelled", ctx.Err())
		}
		logger.Error().Err(runErr).Int("exit_code", result.ExitCode).Str("stderr", result.Stderr).Msg("command failed")
		msg := "command failed: " + runErr.Error()
		if result.Stderr != "" {
			msg += ": " + result.Stderr
		}
		return result, ErrCommandFailed.MsgErr(msg, runErr)
	}
	logger.Debug().Msg("command completed")
	return result, nil
}

func appendOrReplaceEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
