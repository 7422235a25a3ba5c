package lifecycle

import (
	"context"
	"strconv"
	"time"
)

// stopTimeoutAnnotation names the optional grace period before
// StopWithGracePeriod escalates from SIGTERM to SIGKILL, read from the container's runtime
// config annotations. This mirrors the containerd shim convention of
// reading a stop-timeout annotation to bound how long kill+wait waits
// before forcing termination.
const stopTimeoutAnnotation = "com.jailrun/stop-timeout"

const defaultStopTimeout = 10 * time.Second

// StopWithGracePeriod signals containerID's main process with SIGTERM,
// polls State for up to the container's configured grace period (or
// defaultStopTimeout if unset), and escalates to SIGKILL if it is
// still Running afterward. It does not call Delete; callers decide
// when to reclaim the stopped container's resources.
func (r *Runtime) StopWithGracePeriod(ctx context.Context, containerID string, sigterm, sigkill int) error {
	if err := r.Kill(ctx, containerID, sigterm); err != nil {
		return err
	}

	timeout := r.stopTimeout(ctx, containerID)
	deadline := time.Now().Add(timeout)
	const pollInterval = 50 * time.Millisecond

	for time.Now().Before(deadline) {
		record, err := r.State(ctx, containerID, "")
		if err != nil {
			return err
		}
		if record.Status != StatusRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	return r.Kill(ctx, containerID, sigkill)
}

func (r *Runtime) stopTimeout(ctx context.Context, containerID string) time.Duration {
	spec, err := loadContainerConfig(ctx, r.store, containerID)
	if err != nil || spec.Annotations == nil {
		return defaultStopTimeout
	}
	raw, ok := spec.Annotations[stopTimeoutAnnotation]
	if !ok {
		return defaultStopTimeout
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return defaultStopTimeout
	}
	return time.Duration(seconds) * time.Second
}
