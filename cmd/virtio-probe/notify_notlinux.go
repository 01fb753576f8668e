//go:build unix && !linux

package main

import "github.com/sirupsen/logrus"

// There is no service manager to notify outside of linux.
func notifyReady(_ *logrus.Logger)    {}
func notifyStopping(_ *logrus.Logger) {}
