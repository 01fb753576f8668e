package virtqueue

import (
	"errors"
	"fmt"
)

// ErrQueueSizeInvalid is returned when a queue size is invalid.
var ErrQueueSizeInvalid = errors.New("queue size is invalid")

// MaxQueueSize is the largest possible split queue.
const MaxQueueSize = 32768

// DefaultQueueSize is used when no queue size was configured and the device
// supports at least that many entries.
const DefaultQueueSize = 256

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrQueueSizeInvalid], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrQueueSizeInvalid, queueSize)
	}

	// The queue size must always be a power of 2.
	// This ensures that ring indexes wrap correctly when the 16-bit integers
	// overflow.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueSizeInvalid, queueSize)
	}

	// The largest power of 2 that fits into a 16-bit integer is 32768.
	// 2 * 32768 would be 65536 which no longer fits.
	if queueSize > MaxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size %d",
			ErrQueueSizeInvalid, queueSize, MaxQueueSize)
	}

	return nil
}

// fitQueueSize returns the largest power of two that is not larger than
// preferred or limit.
func fitQueueSize(preferred int, limit uint32) int {
	size := min(preferred, int(min(limit, MaxQueueSize)))
	if size <= 0 {
		return 0
	}
	for size&(size-1) != 0 {
		size &= size - 1
	}
	return size
}
