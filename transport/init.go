package transport

import (
	"fmt"

	"github.com/slackhq/govirtio/hal"
	"github.com/slackhq/govirtio/util/virtio"
)

// BeginInit resets the device and negotiates features. The returned features
// are the intersection of what the device offers and what was requested.
//
// When the device rejects the features, the device is marked as failed and
// [ErrFeatureNegotiationFailed] is returned. The device needs a [Reset] before
// it can be initialized again.
func BeginInit(t Transport, requested virtio.Feature) (virtio.Feature, error) {
	Reset(t)
	t.SetStatus(virtio.DeviceStatusAcknowledge)
	t.SetStatus(virtio.DeviceStatusAcknowledge | virtio.DeviceStatusDriver)

	offered := t.ReadDeviceFeatures()
	negotiated := offered & requested
	t.WriteDriverFeatures(negotiated)

	t.SetStatus(virtio.DeviceStatusAcknowledge | virtio.DeviceStatusDriver | virtio.DeviceStatusFeaturesOK)

	// The device clears FEATURES_OK if it does not support the feature subset.
	if status := t.Status(); !status.Has(virtio.DeviceStatusFeaturesOK) {
		Fail(t)
		return 0, fmt.Errorf("%w: offered %v, requested %v, status %v",
			ErrFeatureNegotiationFailed, offered, negotiated, status)
	}

	t.SetGuestPageSize(hal.PageSize)
	return negotiated, nil
}

// FinishInit tells the device that the driver is ready. No queue can be set up
// afterwards.
func FinishInit(t Transport) {
	t.SetStatus(t.Status() | virtio.DeviceStatusDriverOK)
}

// Reset resets the device to its initial state. The device stops using every
// queue.
func Reset(t Transport) {
	t.SetStatus(0)
}

// Fail marks the device as failed. The device stays failed until it is reset.
func Fail(t Transport) {
	t.SetStatus(t.Status() | virtio.DeviceStatusFailed)
}
