package local

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	ClassNoop    = "appfabric.Noop"
	ClassSleep   = "appfabric.Sleep"
	ClassService = "appfabric.Service"
	ClassFail    = "appfabric.Fail"
)

// RegisterBuiltins adds the programs every local runtime ships with.
func RegisterBuiltins(r *Registry) error {
	builtins := map[string]Factory{
		ClassNoop:    func() Program { return noopProgram{} },
		ClassSleep:   func() Program { return &sleepProgram{} },
		ClassService: func() Program { return serviceProgram{} },
		ClassFail:    func() Program { return &failProgram{} },
	}
	for class, factory := range builtins {
		if err := r.Register(class, factory); err != nil {
			return err
		}
	}
	return nil
}

type noopProgram struct{}

func (noopProgram) Initialize(context.Context, Context) error { return nil }
func (noopProgram) Run(context.Context) error                 { return nil }

// sleepProgram completes after the "duration" argument (default one second).
type sleepProgram struct {
	d time.Duration
}

func (p *sleepProgram) Initialize(_ context.Context, pc Context) error {
	p.d = time.Second
	if raw := pc.Arg("duration"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse duration: %w", err)
		}
		if d < 0 {
			return errors.New("duration must be non-negative")
		}
		p.d = d
	}
	return nil
}

func (p *sleepProgram) Run(ctx context.Context) error {
	timer := time.NewTimer(p.d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// serviceProgram runs until stopped.
type serviceProgram struct{}

func (serviceProgram) Initialize(context.Context, Context) error { return nil }

func (serviceProgram) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type failProgram struct {
	message string
}

func (p *failProgram) Initialize(_ context.Context, pc Context) error {
	p.message = pc.Arg("message")
	if p.message == "" {
		p.message = "program failed"
	}
	return nil
}

func (p *failProgram) Run(context.Context) error {
	return errors.New(p.message)
}
