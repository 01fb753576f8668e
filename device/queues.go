package device

import "github.com/slackhq/govirtio/util/virtio"

// queueCounts are the number of queues the drivers of a device class set up
// without optional features like multiqueue or control queues.
var queueCounts = map[virtio.DeviceType]int{
	// requestq
	virtio.DeviceTypeBlock: 1,
	// receiveq, transmitq
	virtio.DeviceTypeNetwork: 2,
	// receiveq, transmitq of port 0
	virtio.DeviceTypeConsole: 2,
	// requestq
	virtio.DeviceTypeEntropySource: 1,
	// controlq, cursorq
	virtio.DeviceTypeGPU: 2,
	// eventq, statusq
	virtio.DeviceTypeInput: 2,
	// controlq, eventq, txq, rxq
	virtio.DeviceTypeSound: 4,
}

// QueueCount returns the number of queues opened for a device class, or 0 if
// the class is not known.
func QueueCount(t virtio.DeviceType) int {
	return queueCounts[t]
}
