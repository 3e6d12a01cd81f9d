// Package runner implements the Runner Abstraction: two variants,
// Command (a child process) and Container (a Docker container),
// sharing the contract that both consume the device-plug queue for the
// session's lifetime and support graceful-then-forced cancellation, per
// spec.md §4.5.
package runner

import (
	"context"
	"time"

	"github.com/embercast/ember/pkg/deviceplug"
	"github.com/embercast/ember/pkg/ember"
	"github.com/embercast/ember/pkg/emberr"
)

// Mount is an ordered (host_path, guest_path) bind mount applied to a
// launched app.
type Mount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// LaunchSpec is everything a Runner needs to start an app instance:
// session id, state folder, the plug-device queue, virtual input
// device paths, mounts, environment, and a render node identifier.
type LaunchSpec struct {
	SessionID        uint64
	StateFolder      string
	DeviceQueue      *deviceplug.Queue
	InputDevicePaths []string
	Mounts           []Mount
	Env              map[string]string
	RenderNode       string
	// VideoPort/AudioPort are the host UDP ports the Registry already
	// allocated for this session's RTP streams. A ContainerRunner
	// publishes them into the container so a containerized encoder can
	// bind the same ports the client was told about at launch.
	VideoPort int
	AudioPort int
}

// Runner is the capability both Command and Container variants
// implement. Start blocks until the process/container has been
// launched (not until it exits); a background goroutine owned by the
// implementation consumes the device-plug queue and watches for exit.
type Runner interface {
	Start(ctx context.Context, spec LaunchSpec) error
	// Stop requests a graceful stop, escalating to a forced kill if the
	// process/container has not exited within grace.
	Stop(ctx context.Context, grace time.Duration) error
	// Wait blocks until the runner has exited, returning the error (if
	// any) that caused termination.
	Wait() error
}

// DefaultGracePeriod bounds how long Stop waits for a graceful exit
// before escalating to a forced kill.
const DefaultGracePeriod = 5 * time.Second

// New constructs the Runner variant described by cfg.
func New(cfg ember.RunnerConfig) (Runner, error) {
	switch cfg.Kind {
	case ember.RunnerKindCommand:
		if cfg.Command == nil {
			return nil, emberr.Wrap(emberr.ErrProtocolError, "command runner config missing Command")
		}
		return NewCommandRunner(cfg.Command), nil
	case ember.RunnerKindContainer:
		if cfg.Container == nil {
			return nil, emberr.Wrap(emberr.ErrProtocolError, "container runner config missing Container")
		}
		return NewContainerRunner(cfg.Container)
	default:
		return nil, emberr.Wrap(emberr.ErrProtocolError, "unknown runner kind "+string(cfg.Kind))
	}
}

// consumeDeviceQueue drains spec.DeviceQueue until ctx is cancelled,
// applying each event via apply. Both Runner variants share this loop
// to satisfy spec.md §4.5's "consume the plugged_devices_queue
// continuously until the session ends" contract.
func consumeDeviceQueue(ctx context.Context, spec LaunchSpec, apply func(deviceplug.Event)) {
	if spec.DeviceQueue == nil {
		return
	}
	for {
		event, ok := spec.DeviceQueue.PopWithTimeout(ctx)
		if !ok {
			return
		}
		apply(event)
	}
}
