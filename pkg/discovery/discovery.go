package discovery

import (
	"context"
	"fmt"
	"os"
	"strings"

	"p2p-chunkcast/pkg/logger"

	"github.com/grandcat/zeroconf"
)

// mDNS supplements the UDP broadcast protocol: on networks that filter
// directed broadcasts, nodes can still find each other's chunk servers.

const (
	// ServiceType is the mDNS service type chunk servers register under.
	ServiceType = "_chunkcast._tcp"
	// Domain is the local mDNS domain.
	Domain = "local."
)

// NodeInfo describes one discovered chunkcast node.
type NodeInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Advertiser registers this node's chunk server on mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver browses for other chunkcast nodes.
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start registers the service. An empty instance name falls back to the
// hostname.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "chunkcast-node"
		} else {
			instanceName = fmt.Sprintf("chunkcast-%s", hostname)
		}
	}

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		txtRecords,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	logger.Sugar.Infof("[Discovery] advertising %s on port %d", instanceName, port)
	return nil
}

// Stop unregisters the service.
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans for chunkcast nodes until the context is canceled, sending
// each discovered node on the returned channel.
func (r *Resolver) Browse(ctx context.Context) (<-chan *NodeInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *NodeInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}

				info := &NodeInfo{
					InstanceName: entry.Instance,
					HostName:     entry.HostName,
					Port:         entry.Port,
					IPs:          make([]string, 0),
					Meta:         make(map[string]string),
				}
				for _, ip := range entry.AddrIPv4 {
					info.IPs = append(info.IPs, ip.String())
				}
				for _, record := range entry.Text {
					parts := strings.SplitN(record, "=", 2)
					if len(parts) == 2 {
						info.Meta[parts[0]] = parts[1]
					}
				}

				if len(info.IPs) > 0 {
					logger.Sugar.Infof("[Discovery] found node: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
					results <- info
				}
			}
		}
	}()

	return results, nil
}
