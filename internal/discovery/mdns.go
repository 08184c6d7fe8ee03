// Package discovery advertises the sync server on the local network.
package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const ServiceType = "_excalisync._tcp"

type Config struct {
	// Instance is the advertised name, the hostname when empty
	Instance string
	Port     int
}

// Discovery is an app that answers mDNS queries for the server while running.
type Discovery struct {
	config Config
	server *mdns.Server
	stop   chan struct{}
	logger *zap.Logger
}

func NewDiscovery(config Config, logger *zap.Logger) *Discovery {
	return &Discovery{
		config: config,
		stop:   make(chan struct{}),
		logger: logger,
	}
}

// Start advertises the service and blocks until Stop.
func (d *Discovery) Start() error {
	instance := d.config.Instance
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("could not get hostname: %w", err)
		}
		instance = host
	}

	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", d.config.Port, nil, []string{"excalisync", "path=/ws"})
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}
	d.server, err = mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to start mDNS server: %w", err)
	}
	d.logger.Info("Advertising on the local network", zap.String("instance", instance), zap.String("service", ServiceType))

	<-d.stop
	return d.server.Shutdown()
}

func (d *Discovery) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

// Browse looks for servers for timeout and returns their host:port addresses.
func Browse(ctx context.Context, timeout time.Duration) ([]string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	var found []string
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range entries {
			if e.AddrV4 == nil || e.Port == 0 {
				continue
			}
			found = append(found, fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port))
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.QueryContext(ctx, params)
	close(entries)
	<-collected
	if err != nil {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	return found, nil
}
