package main

import (
	"fmt"

	"github.com/slackhq/govirtio/hal"
)

const defaultHAL = "pagemap"

func openHAL(kind string) (hal.HAL, func() error, error) {
	switch kind {
	case "pagemap":
		h, err := hal.NewPagemap()
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	case "identity":
		return hal.NewIdentity(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("hal.type was not understood: %s", kind)
	}
}
