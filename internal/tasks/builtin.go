// Package tasks provides builtin tasks for smoke runs and tests.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/conductor/internal/engine"
)

// Builtin task names.
const (
	Noop  = "noop"
	Echo  = "echo"
	Sleep = "sleep"
	Fail  = "fail"
)

// Register adds the builtin tasks to reg.
func Register(reg *engine.Registry) error {
	for name, t := range map[string]engine.Task{
		Noop:  engine.TaskFuncs{},
		Echo:  engine.TaskFuncs{RunFunc: echo, RollbackFunc: echoRollback},
		Sleep: engine.TaskFuncs{RunFunc: sleep},
		Fail:  engine.TaskFuncs{RunFunc: fail},
	} {
		if err := reg.Register(name, t); err != nil {
			return err
		}
	}
	return nil
}

// echo returns its arguments as results, so they flow to successors.
func echo(_ context.Context, call engine.Call) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(call.Args))
	for k, v := range call.Args {
		out[k] = v
	}
	return out, nil
}

// echoRollback fails when the task was given fail_rollback=true.
func echoRollback(_ context.Context, call engine.Call) (map[string]interface{}, error) {
	if b, _ := call.Args["fail_rollback"].(bool); b {
		return nil, errors.New("echo: rollback refused")
	}
	return call.PriorResult, nil
}

// sleep waits for args.duration, a Go duration string or a number of
// seconds.
func sleep(ctx context.Context, call engine.Call) (map[string]interface{}, error) {
	d, err := durationArg(call.Args["duration"])
	if err != nil {
		return nil, err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
	}
	return map[string]interface{}{"slept": d.String()}, nil
}

func durationArg(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("sleep: %w", err)
		}
		return parsed, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case int:
		return time.Duration(d) * time.Second, nil
	}
	return 0, fmt.Errorf("sleep: unsupported duration %T", v)
}

// fail always fails with args.message.
func fail(_ context.Context, call engine.Call) (map[string]interface{}, error) {
	msg, _ := call.Args["message"].(string)
	if msg == "" {
		msg = "requested failure"
	}
	return nil, errors.New(msg)
}
