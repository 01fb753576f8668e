package virtio

import "strings"

// DeviceStatus is the value of the device status register.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-110001
type DeviceStatus uint32

const (
	// DeviceStatusAcknowledge indicates that the guest noticed the device.
	DeviceStatusAcknowledge DeviceStatus = 1
	// DeviceStatusDriver indicates that the guest knows how to drive the device.
	DeviceStatusDriver DeviceStatus = 2
	// DeviceStatusDriverOK indicates that the driver is set up and ready.
	DeviceStatusDriverOK DeviceStatus = 4
	// DeviceStatusFeaturesOK indicates that feature negotiation is complete.
	// The device clears it again if it does not accept the driver features.
	DeviceStatusFeaturesOK DeviceStatus = 8
	// DeviceStatusNeedsReset is set by the device after an unrecoverable error.
	DeviceStatusNeedsReset DeviceStatus = 64
	// DeviceStatusFailed indicates that the driver gave up on the device.
	DeviceStatusFailed DeviceStatus = 128
)

var statusNames = []struct {
	bit  DeviceStatus
	name string
}{
	{DeviceStatusAcknowledge, "ACKNOWLEDGE"},
	{DeviceStatusDriver, "DRIVER"},
	{DeviceStatusDriverOK, "DRIVER_OK"},
	{DeviceStatusFeaturesOK, "FEATURES_OK"},
	{DeviceStatusNeedsReset, "DEVICE_NEEDS_RESET"},
	{DeviceStatusFailed, "FAILED"},
}

// Has reports whether all bits of other are set in s.
func (s DeviceStatus) Has(other DeviceStatus) bool {
	return s&other == other
}

func (s DeviceStatus) String() string {
	if s == 0 {
		return "RESET"
	}
	var names []string
	for _, n := range statusNames {
		if s&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}
