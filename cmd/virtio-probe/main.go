//go:build unix

package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/govirtio"
	"github.com/slackhq/govirtio/config"
	"github.com/slackhq/govirtio/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	os.Exit(run(l, c, *configTest))
}

func run(l *logrus.Logger, c *config.C, configTest bool) int {
	if configTest {
		if _, err := govirtio.Main(c, true, Build, l, nil); err != nil {
			util.LogWithContextIfNeeded("Failed to start", err, l)
			return 1
		}
		return 0
	}

	h, closeHAL, err := openHAL(c.GetString("hal.type", defaultHAL))
	if err != nil {
		l.WithError(err).Error("Failed to open the HAL")
		return 1
	}
	defer func() {
		if err := closeHAL(); err != nil {
			l.WithError(err).Error("Failed to close the HAL")
		}
	}()

	ctrl, err := govirtio.Main(c, false, Build, l, h)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		return 1
	}

	ctrl.Start()
	notifyReady(l)
	ctrl.ShutdownBlock()
	notifyStopping(l)
	return 0
}
