// Package mobile provides gomobile-compatible bindings for embedding
// the snake duel server in iOS/tvOS/Android applications.
//
// All exported functions use only primitive types (int, string, error)
// to satisfy gomobile's type restrictions.
package mobile

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"schlangen.tv/duel/engine"
	"schlangen.tv/duel/payment"
)

var (
	srv  *engine.Server
	mu   sync.Mutex
	port int
)

// Start initializes and starts the duel server on the given port with the
// default match configuration. Stakes are handled by the debug provider.
// The server runs in the background. Call Stop() to shut it down.
func Start(serverPort int) error {
	return start(serverPort, engine.DefaultConfig())
}

// StartWithConfig is Start with a JSON match configuration. Missing fields
// keep their defaults.
func StartWithConfig(serverPort int, configJSON string) error {
	cfg := engine.DefaultConfig()
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return start(serverPort, cfg)
}

func start(serverPort int, cfg engine.Config) error {
	mu.Lock()
	defer mu.Unlock()

	if srv != nil {
		return fmt.Errorf("server already running")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("app", "mobile").Logger()
	s := engine.NewServer(cfg, payment.NewDebug(logger), logger)
	if err := s.Start(serverPort); err != nil {
		return err
	}
	srv = s
	port = serverPort
	return nil
}

// Stop shuts down the running server.
func Stop() {
	mu.Lock()
	defer mu.Unlock()

	if srv != nil {
		srv.Stop()
		srv = nil
	}
}

// IsRunning returns true if the server is currently running.
func IsRunning() bool {
	mu.Lock()
	defer mu.Unlock()
	return srv != nil
}

// GetStats returns the current server stats as a JSON string.
func GetStats() string {
	mu.Lock()
	s := srv
	mu.Unlock()

	if s == nil {
		return "{}"
	}
	return s.GetStatsJSON()
}

// GetLocalIP returns the device's local network IP address.
func GetLocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "unknown"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "unknown"
}

// GetConnectURL returns the URL players should open on their phones.
func GetConnectURL() string {
	mu.Lock()
	p := port
	mu.Unlock()

	ip := GetLocalIP()
	return fmt.Sprintf("http://%s:%d", ip, p)
}

// GetVersion returns the server version string.
func GetVersion() string {
	return engine.Version
}
