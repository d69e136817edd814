package ipc

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
)

// EnvWorkerID carries a child's IPC id into its environment.
const EnvWorkerID = "WIREGATE_WORKER_ID"

// Child is a spawned worker process connected over its stdio.
type Child struct {
	*Link
	ID  string
	cmd *exec.Cmd

	done chan struct{}
	err  error
}

// Spawn starts name with args as child id. Its stdout carries IPC messages, so the child
// must log to stderr, which is passed through. Cancelling ctx kills the child.
func Spawn(ctx context.Context, id, name string, args []string, logger *zerolog.Logger) (*Child, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), EnvWorkerID+"="+id)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", id, err)
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("process", id).Logger()
	} else {
		log = zerolog.Nop()
	}

	c := &Child{
		Link: NewLink(stdout, stdin, &log),
		ID:   id,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		// Wait closes stdout, so every line must be read first.
		<-c.readDone
		c.err = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

// PID returns the child's process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// Done is closed once the child has exited.
func (c *Child) Done() <-chan struct{} { return c.done }

// Wait blocks until the child exits and returns its exit error.
func (c *Child) Wait() error {
	<-c.done
	return c.err
}
