// Package discovery announces the device on the local network so
// players can find it without manual addressing.
package discovery

import (
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/mdns"

	"github.com/lumenworks/cadence/log"
	"github.com/lumenworks/cadence/types"
)

// ServiceType is the mDNS service players browse for.
const ServiceType = "_cadence._tcp"

// Config configures the announcement.
type Config struct {
	// DeviceID names the service instance (required).
	DeviceID string
	// Port is the portal's listen port (required).
	Port int
	// Logger is optional.
	Logger *log.Logger
}

// Announcer keeps the mDNS responder alive until Close.
type Announcer struct {
	server *mdns.Server
	logger *log.Logger
}

// Announce starts responding to service queries on the LAN.
func Announce(cfg Config) (*Announcer, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("discovery requires a device ID")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("discovery requires a valid port, got %d", cfg.Port)
	}

	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("discovery: hostname: %w", err)
	}

	info := []string{
		"device_id=" + cfg.DeviceID,
		"version=" + types.Version,
	}
	service, err := mdns.NewMDNSService(cfg.DeviceID, ServiceType, "", host+".", cfg.Port, nil, info)
	if err != nil {
		return nil, fmt.Errorf("discovery: service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: server: %w", err)
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("announcing on LAN", map[string]any{
			"service": ServiceType,
			"port":    cfg.Port,
		})
	}
	return &Announcer{server: server, logger: cfg.Logger}, nil
}

// Close stops the responder.
func (a *Announcer) Close() error {
	return a.server.Shutdown()
}
