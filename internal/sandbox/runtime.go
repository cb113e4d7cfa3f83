package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Runtime runs processes for a sandbox. The working copy is always a host
// directory; the runtime decides where commands execute against it.
type Runtime interface {
	// Name identifies the runtime ("docker", "host").
	Name() string

	// Create provisions the environment for a new sandbox.
	Create(ctx context.Context, id, workDir string) error

	// Start resumes a stopped environment.
	Start(ctx context.Context, id string) error

	// Stop halts the environment, keeping it for Start.
	Stop(ctx context.Context, id string) error

	// Remove deletes the environment.
	Remove(ctx context.Context, id string) error

	// Command builds a shell command run in the environment. timeout, when
	// non-zero, is enforced inside the environment as well.
	Command(ctx context.Context, id, workDir, command string, timeout time.Duration, env []string) *exec.Cmd

	// ServerCommand wraps a long-running server command so KillServer can find it.
	ServerCommand(command string) string

	// KillServer stops a server started with ServerCommand.
	KillServer(ctx context.Context, id string) error
}

// HostRuntime runs commands directly on the host in the sandbox working copy.
// It offers no isolation beyond the separate working copy.
type HostRuntime struct{}

func (HostRuntime) Name() string { return "host" }
func (HostRuntime) Create(ctx context.Context, id, workDir string) error { return nil }
func (HostRuntime) Start(ctx context.Context, id string) error { return nil }
func (HostRuntime) Stop(ctx context.Context, id string) error { return nil }
func (HostRuntime) Remove(ctx context.Context, id string) error { return nil }
func (HostRuntime) ServerCommand(command string) string { return command }
func (HostRuntime) KillServer(ctx context.Context, id string) error { return nil }

func (HostRuntime) Command(ctx context.Context, id, workDir, command string, timeout time.Duration, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(), env...)
	return cmd
}

const (
	containerWorkDir = "/workspace"
	serverPidFile    = "/tmp/forge-server.pid"
)

// DockerRuntime runs each sandbox as a long-lived container with the
// working copy bind-mounted at /workspace. It uses the docker CLI.
type DockerRuntime struct {
	dockerPath string
	image      string
	network    string
}

// NewDockerRuntime checks that docker is available and returns a runtime
// using image. network defaults to "host" so the server port is reachable.
func NewDockerRuntime(image, network string) (*DockerRuntime, error) {
	if image == "" {
		return nil, fmt.Errorf("docker image is required")
	}
	path, err := exec.LookPath("docker")
	if err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}
	if network == "" {
		network = "host"
	}
	return &DockerRuntime{dockerPath: path, image: image, network: network}, nil
}

func (d *DockerRuntime) Name() string { return "docker" }

func containerName(id string) string { return "forge-" + id }

func (d *DockerRuntime) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, d.dockerPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker %s failed: %w (output: %s)", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (d *DockerRuntime) Create(ctx context.Context, id, workDir string) error {
	return d.run(ctx, "run", "-d",
		"--name", containerName(id),
		"--network", d.network,
		"-v", workDir+":"+containerWorkDir,
		"-w", containerWorkDir,
		d.image, "sleep", "infinity")
}

func (d *DockerRuntime) Start(ctx context.Context, id string) error {
	return d.run(ctx, "start", containerName(id))
}

func (d *DockerRuntime) Stop(ctx context.Context, id string) error {
	return d.run(ctx, "stop", "-t", "5", containerName(id))
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	return d.run(ctx, "rm", "-f", containerName(id))
}

func (d *DockerRuntime) Command(ctx context.Context, id, workDir, command string, timeout time.Duration, env []string) *exec.Cmd {
	args := []string{"exec", "-i", "-w", containerWorkDir}
	for _, kv := range env {
		args = append(args, "-e", kv)
	}
	args = append(args, containerName(id))
	if timeout > 0 {
		// Killing the docker client does not kill the process in the container
		secs := int(timeout.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		args = append(args, "timeout", "-s", "KILL", strconv.Itoa(secs))
	}
	args = append(args, "sh", "-c", command)
	return exec.CommandContext(ctx, d.dockerPath, args...)
}

func (d *DockerRuntime) ServerCommand(command string) string {
	return "echo $$ > " + serverPidFile + "; exec " + command
}

func (d *DockerRuntime) KillServer(ctx context.Context, id string) error {
	return d.run(ctx, "exec", containerName(id), "sh", "-c",
		"test -f "+serverPidFile+" && kill $(cat "+serverPidFile+") && rm -f "+serverPidFile+" || true")
}
