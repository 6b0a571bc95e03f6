package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/industriverse/chronos/internal/domain"
)

// ─── Command Executor ───────────────────────────────────────────────────────

// Command runs Script through the platform shell once per job. The task is
// described to the script through CHRONOS_* environment variables:
//
//	CHRONOS_TASK_ID, CHRONOS_TASK_NAME, CHRONOS_TASK_TYPE,
//	CHRONOS_TASK_PRIORITY, CHRONOS_NEGENTROPY, CHRONOS_ARTIFACT
//
// A non-zero exit fails the job; the tail of stderr is folded into the error.
type Command struct {
	Script  string
	Timeout time.Duration
	Dir     string
	Log     zerolog.Logger
}

// Execute implements domain.Executor.
func (c *Command) Execute(ctx context.Context, job domain.Job) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	name, args := shellArgs(c.Script)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), jobEnv(job)...)
	cmd.Stdout = io.Discard
	stderr := &limitedBuffer{max: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = 5 * time.Second
	configureProcess(cmd)

	c.Log.Debug().Str("task_id", job.Task.ID).Str("artifact", job.ArtifactPath).Msg("starting command")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("command for %s: %w", job.Task.ID, ctx.Err())
		}
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			return fmt.Errorf("command for %s: %w: %s", job.Task.ID, err, tail)
		}
		return fmt.Errorf("command for %s: %w", job.Task.ID, err)
	}
	return nil
}

func jobEnv(job domain.Job) []string {
	t := job.Task
	return []string{
		"CHRONOS_TASK_ID=" + t.ID,
		"CHRONOS_TASK_NAME=" + t.Name,
		"CHRONOS_TASK_TYPE=" + t.Type,
		"CHRONOS_TASK_PRIORITY=" + t.Priority.String(),
		"CHRONOS_NEGENTROPY=" + strconv.FormatFloat(t.NegentropyValue, 'f', -1, 64),
		"CHRONOS_ARTIFACT=" + job.ArtifactPath,
	}
}

// limitedBuffer keeps only the last max bytes written.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		keep := append([]byte(nil), data[len(data)-b.max:]...)
		b.buf.Reset()
		b.buf.Write(keep)
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
