package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/seantiz/backtestd/internal/protocol"
)

// maxStderr bounds the stderr tail kept for error messages.
const maxStderr = 4 << 10

// ExecRunner runs an external simulator once per task. The request JSON is
// written to its stdin. Each stdout line that is a JSON object with a "type"
// of "progress" or "result" is interpreted; other lines are ignored:
//
//	{"type":"progress","progress":0.4,"stage":"sim","stage_name":"Simulating","message":"..."}
//	{"type":"result","result":{...},"bar_count":1200,"trade_count":31}
//
// A non-zero exit fails the task with the tail of stderr.
type ExecRunner struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	// Timeout bounds one run. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// execLine is one structured stdout line.
type execLine struct {
	Type       string          `json:"type"`
	Progress   float64         `json:"progress"`
	Stage      string          `json:"stage"`
	StageName  string          `json:"stage_name"`
	Message    string          `json:"message"`
	Result     json.RawMessage `json:"result"`
	BarCount   int64           `json:"bar_count"`
	TradeCount int64           `json:"trade_count"`
	Error      string          `json:"error"`
}

// Run executes the command for task.
func (r *ExecRunner) Run(ctx context.Context, task Task, report Reporter) protocol.Result {
	start := time.Now()
	fail := func(format string, args ...any) protocol.Result {
		return protocol.Result{
			ErrorMessage: fmt.Sprintf(format, args...),
			DurationMS:   time.Since(start).Milliseconds(),
		}
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Command, r.Args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.Env = append(cmd.Env,
		"BACKTEST_TASK_ID="+strconv.FormatInt(task.ID, 10),
		"BACKTEST_USER_ID="+strconv.FormatInt(task.UserID, 10),
		"BACKTEST_REQ_ID="+task.ReqID,
	)
	cmd.Stdin = strings.NewReader(task.RequestJSON)
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail("stdout pipe: %v", err)
	}
	stderr := &tailBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fail("start %s: %v", r.Command, err)
	}

	final, scanErr := r.scan(stdout, report)
	// Drain whatever the scanner left so the process is not blocked on a
	// full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fail("backtest timed out after %s", r.Timeout)
	case ctx.Err() != nil:
		return fail("backtest cancelled")
	case waitErr != nil:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return fail("%s", msg)
	case scanErr != nil:
		return fail("read output: %v", scanErr)
	case final == nil:
		return fail("simulator exited without a result")
	}

	if final.Error != "" {
		return fail("%s", final.Error)
	}
	res := protocol.Result{
		Success:    true,
		ResultJSON: string(final.Result),
		BarCount:   final.BarCount,
		TradeCount: final.TradeCount,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if res.ResultJSON == "" || res.ResultJSON == "null" {
		res.ResultJSON = "{}"
	}
	return res
}

// scan reports progress lines and returns the last result line.
func (r *ExecRunner) scan(stdout io.Reader, report Reporter) (*execLine, error) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64<<10), protocol.MaxMessageSize)

	var final *execLine
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var l execLine
		if err := sonic.UnmarshalString(line, &l); err != nil {
			continue
		}
		switch l.Type {
		case protocol.TypeProgress:
			if math.IsNaN(l.Progress) {
				continue
			}
			p := min(max(l.Progress, 0), 1)
			report(protocol.Progress{Progress: p, Stage: l.Stage, StageName: l.StageName, Message: l.Message})
		case protocol.TypeResult:
			final = &l
		}
	}
	return final, sc.Err()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
