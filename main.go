package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vtmux/vtmux/internal/registry"
	"github.com/vtmux/vtmux/src/api"
)

const (
	exitClean      = 0
	exitBindFailed = 2
	exitBadConfig  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found")
	}

	port := flag.Int("port", 4020, "port to listen on")
	shortPort := flag.Int("p", 4020, "port to listen on (shorthand)")
	host := flag.String("host", "127.0.0.1", "address to bind")
	controlPath := flag.String("control-path", defaultControlPath(), "directory holding per-session control directories")
	password := flag.String("password", "", "bearer token required on /api/* requests; empty disables auth")
	staticPath := flag.String("static-path", "", "directory of dashboard assets to serve at /")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	// TTY_SESSION_ID identifies an existing session when this binary is
	// invoked as a child wrapper attaching to it. The core has no such
	// attach mode; the variable is read only so its presence doesn't
	// surprise an operator diffing env between the shim and the core.
	_ = os.Getenv("TTY_SESSION_ID")

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	listenPort := *port
	if *shortPort != 4020 {
		listenPort = *shortPort
	}
	if listenPort <= 0 || listenPort > 65535 {
		logrus.Errorf("invalid port: %d", listenPort)
		return exitBadConfig
	}

	log := logrus.StandardLogger()
	reg, err := registry.New(*controlPath, log)
	if err != nil {
		logrus.WithError(err).Error("failed to initialize session registry")
		return exitBadConfig
	}

	router := api.SetupRouter(reg, api.Options{
		EnableProcessingTime: true,
		Password:             *password,
		StaticPath:           *staticPath,
	})

	addr := fmt.Sprintf("%s:%d", *host, listenPort)
	logrus.Infof("vtmux listening on %s", addr)
	if err := router.Run(addr); err != nil {
		logrus.WithError(err).Error("failed to bind listener")
		return exitBindFailed
	}
	return exitClean
}

func defaultControlPath() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + "/vtmux/sessions"
	}
	return "/tmp/vtmux/sessions"
}
