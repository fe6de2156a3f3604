// Package spawner runs external participant programs against a server.
package spawner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// stopGrace is how long a process gets after an interrupt before it is killed.
const stopGrace = time.Second

// Process is one managed participant program.
type Process struct {
	ID      string
	Command string
	Args    []string
	Env     map[string]string

	cmd    *exec.Cmd
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.Mutex
	started time.Time
	done    chan struct{}
	exitErr error
}

// NewProcess prepares command; nothing runs until Start.
func NewProcess(command string, args []string, env map[string]string, logger zerolog.Logger) *Process {
	id := uuid.NewString()[:8]
	return &Process{
		ID:      id,
		Command: command,
		Args:    args,
		Env:     env,
		logger:  logger.With().Str("process_id", id).Logger(),
		done:    make(chan struct{}),
	}
}

// Start launches the process. Cancelling ctx interrupts it.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace
	cmd.Env = os.Environ()
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", p.Command, err)
	}

	p.cmd = cmd
	p.cancel = cancel
	p.started = time.Now()
	p.logger.Info().Str("command", p.Command).Strs("args", p.Args).Msg("Process started")

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() { defer pipes.Done(); p.readOutput("stdout", stdout) }()
	go func() { defer pipes.Done(); p.readOutput("stderr", stderr) }()
	go func() {
		pipes.Wait()
		p.monitor()
	}()
	return nil
}

// Stop interrupts the process and waits for it to exit.
func (p *Process) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-p.done
	return nil
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// IsAlive reports whether the process is still running.
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *Process) monitor() {
	err := p.cmd.Wait()
	defer close(p.done)

	p.mu.Lock()
	p.exitErr = err
	p.cancel()
	p.mu.Unlock()

	duration := time.Since(p.started)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.logger.Info().Dur("duration", duration).Msg("Process exited successfully")
	case errors.As(err, &exitErr) && !exitErr.Exited():
		p.logger.Info().Dur("duration", duration).Msg("Process terminated by signal")
	default:
		p.logger.Error().Err(err).Dur("duration", duration).Msg("Process exited with error")
	}
}

func (p *Process) readOutput(stream string, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if stream == "stderr" {
			p.logger.Info().Str("stream", stream).Msg(line)
		} else {
			p.logger.Debug().Str("stream", stream).Msg(line)
		}
	}
}
