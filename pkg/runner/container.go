package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"github.com/embercast/ember/pkg/deviceplug"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/emberr"
)

// ContainerRunner starts a container from an image, mounting the
// session state folder and listed device paths, injecting env, and
// attaching the render node. Grounded on the teacher's
// DevContainerManager.CreateDevContainer in api/pkg/hydra/devcontainer.go.
type ContainerRunner struct {
	cfg *ember.ContainerRunner

	mu          sync.Mutex
	docker      *client.Client
	containerID string
	waitCh      chan error
}

// NewContainerRunner constructs a ContainerRunner and dials the
// configured Docker socket.
func NewContainerRunner(cfg *ember.ContainerRunner) (*ContainerRunner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.DockerSocket != "" {
		opts = append(opts, client.WithHost("unix://"+cfg.DockerSocket))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &ContainerRunner{cfg: cfg, docker: cli}, nil
}

// Start creates and starts a container for spec, then begins consuming
// the device-plug queue in the background.
func (r *ContainerRunner) Start(ctx context.Context, spec LaunchSpec) error {
	containerConfig := &dockercontainer.Config{
		Image:        r.cfg.Image,
		Env:          buildEnv(r.cfg.Env, spec.Env),
		ExposedPorts: buildExposedPorts(spec),
	}

	hostConfig := &dockercontainer.HostConfig{
		Privileged:   r.cfg.Privileged,
		CapAdd:       r.cfg.CapAdd,
		Mounts:       buildMounts(spec),
		PortBindings: buildPortBindings(spec),
	}
	if spec.RenderNode != "" {
		hostConfig.Devices = append(hostConfig.Devices, dockercontainer.DeviceMapping{
			PathOnHost:        spec.RenderNode,
			PathInContainer:   spec.RenderNode,
			CgroupPermissions: "rwm",
		})
	}
	for _, devicePath := range spec.InputDevicePaths {
		hostConfig.Devices = append(hostConfig.Devices, dockercontainer.DeviceMapping{
			PathOnHost:        devicePath,
			PathInContainer:   devicePath,
			CgroupPermissions: "rwm",
		})
	}

	resp, err := r.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(spec.SessionID))
	if err != nil {
		return emberr.Wrap(emberr.ErrRunnerFailed, fmt.Sprintf("create container: %v", err))
	}

	if err := r.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = r.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return emberr.Wrap(emberr.ErrRunnerFailed, fmt.Sprintf("start container: %v", err))
	}

	r.mu.Lock()
	r.containerID = resp.ID
	r.waitCh = make(chan error, 1)
	r.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	go r.watch(runCtx, cancel, resp.ID)
	go consumeDeviceQueue(runCtx, spec, func(deviceplug.Event) {
		log.Debug().Uint64("session_id", spec.SessionID).Str("container_id", resp.ID).Msg("container runner applied device plug event")
	})

	log.Info().Uint64("session_id", spec.SessionID).Str("container_id", resp.ID).Str("image", r.cfg.Image).Msg("container runner started")
	return nil
}

func (r *ContainerRunner) watch(ctx context.Context, cancel context.CancelFunc, containerID string) {
	defer cancel()
	statusCh, errCh := r.docker.ContainerWait(ctx, containerID, dockercontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		r.reportExit(err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			r.reportExit(emberr.Wrap(emberr.ErrRunnerFailed, fmt.Sprintf("container exited with status %d", status.StatusCode)))
			return
		}
		r.reportExit(nil)
	case <-ctx.Done():
	}
}

func (r *ContainerRunner) reportExit(err error) {
	r.mu.Lock()
	waitCh := r.waitCh
	r.mu.Unlock()
	if waitCh != nil {
		select {
		case waitCh <- err:
		default:
		}
	}
}

// Stop asks Docker for a graceful stop within grace, then forces
// removal.
func (r *ContainerRunner) Stop(ctx context.Context, grace time.Duration) error {
	r.mu.Lock()
	containerID := r.containerID
	r.mu.Unlock()
	if containerID == "" {
		return nil
	}

	graceSeconds := int(grace.Seconds())
	log.Debug().Str("container_id", containerID).Str("grace", units.HumanDuration(grace)).Msg("stopping container")
	if err := r.docker.ContainerStop(ctx, containerID, dockercontainer.StopOptions{Timeout: &graceSeconds}); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("graceful container stop failed, forcing removal")
	}
	return r.docker.ContainerRemove(ctx, containerID, dockercontainer.RemoveOptions{Force: true})
}

// Wait blocks until the container exits.
func (r *ContainerRunner) Wait() error {
	r.mu.Lock()
	waitCh := r.waitCh
	r.mu.Unlock()
	if waitCh == nil {
		return nil
	}
	return <-waitCh
}

func buildMounts(spec LaunchSpec) []mount.Mount {
	mounts := make([]mount.Mount, 0, len(spec.Mounts)+1)
	if spec.StateFolder != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: spec.StateFolder,
			Target: "/state",
		})
	}
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.GuestPath,
			ReadOnly: m.ReadOnly,
		})
	}
	return mounts
}

// buildExposedPorts declares the same ports buildPortBindings
// publishes; Docker requires a port to be exposed before it can be
// bound to a host port.
func buildExposedPorts(spec LaunchSpec) nat.PortSet {
	ports := nat.PortSet{}
	for _, port := range []int{spec.VideoPort, spec.AudioPort} {
		if port == 0 {
			continue
		}
		ports[nat.Port(fmt.Sprintf("%d/udp", port))] = struct{}{}
	}
	return ports
}

// buildPortBindings publishes the session's pre-allocated video/audio
// UDP ports straight through to the same host port, so a containerized
// encoder binds the port the client was already told about in the
// launch response.
func buildPortBindings(spec LaunchSpec) nat.PortMap {
	bindings := nat.PortMap{}
	for _, port := range []int{spec.VideoPort, spec.AudioPort} {
		if port == 0 {
			continue
		}
		natPort := nat.Port(fmt.Sprintf("%d/udp", port))
		bindings[natPort] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", port)}}
	}
	return bindings
}

func containerName(sessionID uint64) string {
	return fmt.Sprintf("ember-session-%d", sessionID)
}
