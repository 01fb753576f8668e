//go:build unix && !linux

package main

import (
	"fmt"

	"github.com/slackhq/govirtio/hal"
)

const defaultHAL = "identity"

func openHAL(kind string) (hal.HAL, func() error, error) {
	if kind != "identity" {
		return nil, nil, fmt.Errorf("hal.type %s is not available on this platform", kind)
	}
	return hal.NewIdentity(), func() error { return nil }, nil
}
