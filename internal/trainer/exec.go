package trainer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// maxOutputBytes bounds the trainer's stdout document.
const maxOutputBytes = 256 << 20

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args, env []string, onStderr func(string)) ([]byte, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args, env []string, onStderr func(string)) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	cmd.Env = append(os.Environ(), env...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	var (
		wg      sync.WaitGroup
		out     bytes.Buffer
		readErr error
		once    sync.Once
	)
	fail := func(err error) {
		once.Do(func() { readErr = err })
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(&out, io.LimitReader(stdout, maxOutputBytes+1))
		if err != nil {
			fail(err)
			return
		}
		if n > maxOutputBytes {
			fail(fmt.Errorf("output exceeds %d bytes", maxOutputBytes))
			_, _ = io.Copy(io.Discard, stdout)
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			if onStderr != nil {
				onStderr(scanner.Text())
			}
		}
		if err := scanner.Err(); err != nil {
			fail(err)
		}
	}()

	wg.Wait()
	if readErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("read output: %w", readErr)
	}
	if err := cmd.Wait(); err != nil {
		return out.Bytes(), fmt.Errorf("wait command: %w", err)
	}
	return out.Bytes(), nil
}
