package virtio

import "errors"

var (
	// ErrRingCorruption reports device-written ring state that violates the
	// queue protocol. The queue stops after returning it.
	ErrRingCorruption = errors.New("virtio: ring corruption")
	// ErrTimeout reports that no buffer completed before the wait deadline.
	ErrTimeout = errors.New("virtio: wait timed out")
	// ErrQueueConfig reports a queue configuration the device or the DMA
	// region cannot satisfy.
	ErrQueueConfig = errors.New("virtio: invalid queue configuration")
	// ErrQueueState reports an operation issued in the wrong queue state.
	ErrQueueState = errors.New("virtio: invalid queue state")
	// ErrNeedsReset reports a device that set DEVICE_NEEDS_RESET.
	ErrNeedsReset = errors.New("virtio: device needs reset")
)
