package governor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/analytica/policy"
	"github.com/isdmx/analytica/sandbox"
)

const (
	// DefaultContainerKillGrace allows for container start-up on top of the
	// policy timeout.
	DefaultContainerKillGrace = 5 * time.Second

	containerStopTimeout = 10 * time.Second
	containerPidsLimit   = 64
	containerTmpfs       = "/tmp:rw,noexec,nosuid,size=16m"
	// containerOOMExitCode is what docker and podman report for a container
	// killed by the kernel OOM killer.
	containerOOMExitCode = 137
)

// Container runs each worker inside a fresh docker or podman container
// instead of directly on the host.
type Container struct {
	// Runtime is the container CLI: "docker" or "podman".
	Runtime string
	// Image holds the analytica binary.
	Image string
	// Command is the worker argv inside the image. Empty means
	// "analytica worker".
	Command []string
}

// Validate checks the runtime and image.
func (c *Container) Validate() error {
	switch c.Runtime {
	case "docker", "podman":
	default:
		return fmt.Errorf("unsupported container runtime: %s", c.Runtime)
	}
	if c.Image == "" {
		return errors.New("container image is required")
	}
	return nil
}

// runArgs builds the argv that starts one worker container. The container
// has no network, no capabilities and a read-only root filesystem, and the
// runtime enforces the policy memory limit as a second line behind the
// resident memory poll.
func (c *Container) runArgs(name string, p *policy.Policy) []string {
	args := []string{
		c.Runtime, "run",
		"--name", name,
		"--rm",
		"-i",
		"--network", "none",
		"--memory", fmt.Sprintf("%db", p.MaxMemoryBytes()),
		"--memory-swap", fmt.Sprintf("%db", p.MaxMemoryBytes()),
		"--pids-limit", fmt.Sprint(containerPidsLimit),
		"--read-only",
		"--tmpfs", containerTmpfs,
		"--security-opt", "no-new-privileges:true",
		"--user", "nobody",
		"--cap-drop", "ALL",
		"--env", "TZ=UTC",
		"--env", "LANG=C.UTF-8",
		"--env", "GOMAXPROCS=2",
		c.Image,
	}
	if len(c.Command) > 0 {
		return append(args, c.Command...)
	}
	return append(args, "analytica", sandbox.WorkerCommand)
}

// stop removes a container whose client process was killed. Killing the
// client does not stop the container itself.
func (c *Container) stop(name string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), containerStopTimeout)
	defer cancel()

	//nolint:gosec // runtime is validated, name is generated
	if out, err := exec.CommandContext(ctx, c.Runtime, "rm", "--force", name).CombinedOutput(); err != nil {
		log.Warn("failed to remove worker container",
			zap.String("container", name),
			zap.String("output", string(out)),
			zap.Error(err))
	}
}
