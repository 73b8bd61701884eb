// Package containerrt shells out to the docker CLI to create, start, stop,
// and inspect the containers that back each running model. It never
// auto-restarts a container — restart_policy is always "no" — so every
// container's fate flows back through the lifecycle state machine, not
// Docker's own supervision.
package containerrt

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Spec describes the container the lifecycle controller wants created.
type Spec struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	Env           map[string]string
	Command       []string
	Binds         []string // host:container[:ro]
	GPUDevices    []int
	NetworkName   string
	HealthCmd     string
	StartPeriod   time.Duration
}

// Runtime is the container-runtime seam the lifecycle controller depends
// on, so tests can substitute a fake without shelling out.
type Runtime interface {
	Create(ctx context.Context, spec Spec) (containerID string, err error)
	Remove(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (Status, error)
	Logs(ctx context.Context, name string, tailN int) (string, error)
}

type Status struct {
	Running bool
	ExitCode int
	Found    bool
}

// Docker is the production Runtime, implemented as docker CLI invocations.
type Docker struct{}

func NewDocker() *Docker { return &Docker{} }

// Create builds and starts one container per Spec. It never auto-restarts
// the process — restart_policy is always "no" — containers only come back
// by the controller explicitly starting a new one.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", fmt.Errorf("docker not found in PATH: %w", err)
	}

	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--restart", "no",
		"-p", fmt.Sprintf("%d:%d", spec.HostPort, spec.ContainerPort),
	}

	if spec.NetworkName != "" {
		args = append(args, "--network", spec.NetworkName)
	}
	for _, gpu := range spec.GPUDevices {
		args = append(args, "--gpus", fmt.Sprintf("device=%d", gpu))
	}
	for _, b := range spec.Binds {
		args = append(args, "-v", b)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	if spec.HealthCmd != "" {
		args = append(args, "--health-cmd", spec.HealthCmd)
		if spec.StartPeriod > 0 {
			args = append(args, "--health-start-period", spec.StartPeriod.String())
		}
	}

	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	log.Info().Str("container", spec.Name).Str("image", spec.Image).Int("host_port", spec.HostPort).Msg("creating container")

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker run failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}

	containerID := strings.TrimSpace(stdout.String())
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}
	return containerID, nil
}

// Remove force-stops and removes the named container. Not found is not an
// error — the desired end state already holds.
func (d *Docker) Remove(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", name)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// Status inspects the container's running state and exit code.
func (d *Docker) Status(ctx context.Context, name string) (Status, error) {
	cmd := exec.CommandContext(ctx, "docker", "inspect",
		"--format", "{{.State.Running}}|{{.State.ExitCode}}", name)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "No such object") {
			return Status{Found: false}, nil
		}
		return Status{}, fmt.Errorf("docker inspect failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	parts := strings.SplitN(strings.TrimSpace(stdout.String()), "|", 2)
	if len(parts) != 2 {
		return Status{}, fmt.Errorf("unexpected docker inspect output: %q", stdout.String())
	}
	exitCode, _ := strconv.Atoi(parts[1])
	return Status{Running: parts[0] == "true", ExitCode: exitCode, Found: true}, nil
}

// Logs returns the last tailN lines of combined stdout/stderr, used by the
// diagnostic log classifier and the admin logs(model_id, tail_n) operation.
func (d *Docker) Logs(ctx context.Context, name string, tailN int) (string, error) {
	if tailN <= 0 {
		tailN = 200
	}
	cmd := exec.CommandContext(ctx, "docker", "logs", "--tail", strconv.Itoa(tailN), name)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker logs failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String() + stderr.String(), nil
}
