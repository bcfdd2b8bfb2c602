package mcpwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// StdioConnection talks to an MCP server running as a subprocess, exchanging
// newline-framed JSON-RPC messages over the process's standard input and
// output. A dedicated background reader partitions stdout by newline and
// correlates responses by id.
//
// Inbound lines that carry no id are silently dropped on this transport:
// server-initiated notifications are only dispatched on the SSE-based
// variants. Callers relying on notifications should prefer those.
type StdioConnection struct {
	*conn

	command string
	args    []string
	env     []string

	// start is swapped in tests to connect the session to an in-process fake
	// instead of spawning a subprocess.
	start func() (io.WriteCloser, io.ReadCloser, *exec.Cmd, error)

	procMu     sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	readerDone chan struct{}

	writeMu sync.Mutex
}

var _ Connection = (*StdioConnection)(nil)

// NewStdioConnection creates a connection that will launch the given command
// with args, and env appended to the current environment. The subprocess is
// not started until Connect is called.
func NewStdioConnection(command string, args, env []string, options ...ConnectionOption) *StdioConnection {
	t := &StdioConnection{
		command: command,
		args:    args,
		env:     env,
	}
	t.conn = newConn(t, options)
	t.start = t.startProcess
	return t
}

func (t *StdioConnection) startProcess() (io.WriteCloser, io.ReadCloser, *exec.Cmd, error) {
	cmd := exec.Command(t.command, t.args...)
	cmd.Env = append(os.Environ(), t.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return stdin, stdout, cmd, nil
}

func (t *StdioConnection) open(ctx context.Context) error {
	stdin, stdout, cmd, err := t.start()
	if err != nil {
		return &ConnectionError{Message: fmt.Sprintf("failed to start %s", t.command), Err: err}
	}

	done := make(chan struct{})
	t.procMu.Lock()
	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.readerDone = done
	t.procMu.Unlock()

	go t.readLoop(stdout, done)

	return t.handshake(ctx, protocolVersion, true)
}

// readLoop reads the subprocess's stdout line by line, parses each line as a
// JSON-RPC message, and fulfills the pending request it answers.
func (t *StdioConnection) readLoop(stdout io.Reader, done chan struct{}) {
	defer close(done)

	// bufio.Reader instead of bufio.Scanner, so long lines survive.
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) &&
				!errors.Is(err, os.ErrClosed) {
				t.logger.Error("failed to read from subprocess", slog.Any("err", err))
			}
			t.noteSendFailure(&ConnectionError{Message: "subprocess stream closed", Err: err})
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.logger.Error("failed to unmarshal message", slog.Any("err", err))
			continue
		}

		if msg.ID == nil {
			// Id-less lines are dropped, notifications included.
			continue
		}

		t.touch()
		t.corr.fulfill(msg)
	}
}

// send writes one JSON line to the subprocess's stdin. Writes are serialized
// so concurrent requests never interleave within a line.
func (t *StdioConnection) send(_ context.Context, msg JSONRPCMessage) (*JSONRPCMessage, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	bs = append(bs, '\n')

	t.procMu.Lock()
	stdin := t.stdin
	t.procMu.Unlock()
	if stdin == nil {
		return nil, &ConnectionError{Message: "subprocess is not running"}
	}

	t.writeMu.Lock()
	_, err = stdin.Write(bs)
	t.writeMu.Unlock()
	if err != nil {
		return nil, &ConnectionError{Message: "failed to write to subprocess", Err: err}
	}
	return nil, nil
}

func (t *StdioConnection) close() {
	t.procMu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	stdout := t.stdout
	done := t.readerDone
	t.cmd = nil
	t.stdin = nil
	t.stdout = nil
	t.readerDone = nil
	t.procMu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if stdout != nil {
		stdout.Close()
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Warn("failed to kill subprocess", slog.Any("err", err))
		}
		_ = cmd.Wait()
	}
	if done != nil {
		<-done
	}
}
