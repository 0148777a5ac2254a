// Copyright (c) 2026 RealmHQ
//
// MIT License
// See LICENSE file in the project root for details.

package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	realmconfig "github.com/realmhq/realmd/internal/realm/config"
)

const (
	defaultDBPath           = "~/.realmd/state.db"
	defaultAPIPort          = "9090"
	defaultAPIListenAddr    = "127.0.0.1:" + defaultAPIPort
	defaultHypervisor       = "lkvm"
	defaultRuntimeDir       = "~/.realmd/run"
	defaultLogDir           = "~/.realmd/logs"
	defaultGuestMemoryPool  = "8G"
	defaultHandshakeTimeout = 30 * time.Second
)

// ServerConfig captures the runtime configuration required by the daemon.
type ServerConfig struct {
	DatabasePath     string
	APIListenAddr    string
	HypervisorBinary string
	RuntimeDir       string
	LogDir           string
	// HostCPUs is the number of host CPUs available for pinning. Zero means
	// autodetect.
	HostCPUs int
	// GuestMemoryPoolBytes bounds the total contiguous guest memory the
	// daemon will hand out across concurrent launches.
	GuestMemoryPoolBytes int64
	HandshakeTimeout     time.Duration
}

// FromEnv loads daemon configuration from environment variables, applying
// opinionated defaults when unset.
func FromEnv() (ServerConfig, error) {
	cfg := ServerConfig{
		DatabasePath:     getenv("REALMD_DB_PATH", defaultDBPath),
		APIListenAddr:    getenv("REALMD_API_LISTEN", defaultAPIListenAddr),
		HypervisorBinary: getenv("REALMD_HYPERVISOR", defaultHypervisor),
		RuntimeDir:       expandPath(getenv("REALMD_RUNTIME_DIR", defaultRuntimeDir)),
		LogDir:           expandPath(getenv("REALMD_LOG_DIR", defaultLogDir)),
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	if raw := strings.TrimSpace(os.Getenv("REALMD_HOST_CPUS")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return ServerConfig{}, fmt.Errorf("invalid REALMD_HOST_CPUS %q", raw)
		}
		cfg.HostCPUs = n
	}

	pool := getenv("REALMD_MEMORY_POOL", defaultGuestMemoryPool)
	poolBytes, err := realmconfig.ParseMemorySize(pool)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("invalid REALMD_MEMORY_POOL %q: %w", pool, err)
	}
	cfg.GuestMemoryPoolBytes = poolBytes

	if raw := strings.TrimSpace(os.Getenv("REALMD_HANDSHAKE_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return ServerConfig{}, fmt.Errorf("invalid REALMD_HANDSHAKE_TIMEOUT %q", raw)
		}
		cfg.HandshakeTimeout = d
	}

	listenAddr := strings.TrimSpace(cfg.APIListenAddr)
	if listenAddr == "" {
		return ServerConfig{}, fmt.Errorf("api listen address required")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid api listen address %q: %w", listenAddr, err)
	}

	if strings.TrimSpace(cfg.HypervisorBinary) == "" {
		return ServerConfig{}, fmt.Errorf("hypervisor binary required")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
