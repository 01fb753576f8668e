package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// States understood by sd_notify(3).
const (
	sdNotifyReady    = "READY=1"
	sdNotifyStopping = "STOPPING=1"
)

func notifyReady(l *logrus.Logger) {
	sdNotify(l, sdNotifyReady)
}

func notifyStopping(l *logrus.Logger) {
	sdNotify(l, sdNotifyStopping)
}

// sdNotify sends state to the socket systemd passed in NOTIFY_SOCKET, if any.
func sdNotify(l *logrus.Logger, state string) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debugln("NOTIFY_SOCKET systemd env var not set, not sending", state)
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).WithField("state", state).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err = conn.SetWriteDeadline(time.Now().Add(time.Second)); err == nil {
		_, err = conn.Write([]byte(state))
	}
	if err != nil {
		l.WithError(err).WithField("state", state).Error("Failed to signal the systemd notification socket")
		return
	}

	l.WithField("state", state).Debug("Notified systemd")
}
