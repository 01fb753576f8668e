// Package virtqueue implements the driver side of a split virtqueue as
// described in the specification:
// https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-270006
//
// The queue memory is allocated through a [hal.HAL] and registered with the
// device through a [transport.Transport]. This package does not make
// assumptions about the device that consumes the queue and never interprets
// buffer contents.
//
// The device is treated as an untrusted peer: everything it writes is read
// through ordered accessors and validated against the driver's own
// bookkeeping before being acted on.
package virtqueue
