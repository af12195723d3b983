package main

import (
	"go.uber.org/zap"

	"github.com/isdmx/analytica/config"
	"github.com/isdmx/analytica/engine"
	"github.com/isdmx/analytica/governor"
	"github.com/isdmx/analytica/mcpserver"
	"github.com/isdmx/analytica/observability"
	"github.com/isdmx/analytica/policy"
	"github.com/isdmx/analytica/sandbox"
)

// newPolicy builds the execution policy and checks that every allowed
// module has an implementation in the sandbox.
func newPolicy(cfg *config.Config) (*policy.Policy, error) {
	p, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	if err := sandbox.CheckModules(p.AllowedModules()); err != nil {
		return nil, err
	}
	return p, nil
}

func newGovernor(logger *zap.Logger, cfg *config.Config) (*governor.Governor, error) {
	gcfg := governor.Config{Command: cfg.Sandbox.WorkerCommand}
	if cfg.Sandbox.ContainerRuntime != "" {
		gcfg.Container = &governor.Container{
			Runtime: cfg.Sandbox.ContainerRuntime,
			Image:   cfg.Sandbox.ContainerImage,
			Command: cfg.Sandbox.ContainerCommand,
		}
		if err := gcfg.Container.Validate(); err != nil {
			return nil, err
		}
	}
	return governor.New(logger, gcfg, governor.WithKillHook(observability.WorkerKilled)), nil
}

func newCoordinator(logger *zap.Logger, cfg *config.Config, p *policy.Policy, gov *governor.Governor) *engine.Coordinator {
	return engine.New(logger, p, gov,
		engine.WithMaxConcurrent(cfg.Sandbox.MaxConcurrent),
		engine.WithRecorder(observability.Prometheus{}),
	)
}

func newExecutor(c *engine.Coordinator) mcpserver.Executor {
	return c
}
