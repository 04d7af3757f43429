package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Launcher starts worker processes
type Launcher interface {
	Launch(ctx context.Context, index int) error
	// Wait blocks until every launched worker has exited
	Wait()
}

// ExecLauncher runs workers as child processes of the host. Exits are
// reported to the registry; nothing is restarted.
type ExecLauncher struct {
	// Path is the executable to run; empty means the running binary
	Path     string
	Args     []string
	Registry *WorkerRegistry
	Logger   *slog.Logger

	wg sync.WaitGroup
}

// Launch starts worker index. The child inherits stdout and stderr and
// receives its index as --index.
func (l *ExecLauncher) Launch(ctx context.Context, index int) error {
	path := l.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate executable: %w", err)
		}
		path = self
	}
	args := append(append([]string{}, l.Args...), "--index", strconv.Itoa(index))

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %d: %w", index, err)
	}
	l.logger().Info("Worker started", "worker_index", index, "pid", cmd.Process.Pid)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		err := cmd.Wait()
		if l.Registry != nil {
			l.Registry.MarkExited(index, err)
		}
	}()
	return nil
}

// Wait blocks until every launched worker has exited
func (l *ExecLauncher) Wait() {
	l.wg.Wait()
}

func (l *ExecLauncher) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}
