// internal/writer/builder.go
package writer

import (
	"errors"
	"time"

	"go.uber.org/multierr"

	cfg "github.com/tamzrod/devicekit/internal/config"
	wingest "github.com/tamzrod/devicekit/internal/writer/ingest"
	wmodbus "github.com/tamzrod/devicekit/internal/writer/modbus"
)

// BuildPlan converts one device config into a writer Plan.
// Assumes config has already passed validation and normalization.
func BuildPlan(d cfg.DeviceConfig, statusMem cfg.StatusMemoryConfig) (Plan, error) {
	if d.ID == "" {
		return Plan{}, errors.New("writer: device.id required")
	}

	plan := Plan{
		DeviceID: d.ID,
		Publish:  append([]string(nil), d.Publish...),
	}

	for _, t := range d.Targets {
		proto := t.Protocol
		if proto == "" {
			proto = cfg.ProtocolModbus
		}
		plan.Targets = append(plan.Targets, TargetEndpoint{
			Protocol: proto,
			Endpoint: t.Endpoint,
			UnitID:   t.UnitID,
			Address:  t.Address,
		})
	}

	if d.StatusSlot != nil {
		plan.Status = &StatusPlan{
			Endpoint:   statusMem.Endpoint,
			UnitID:     statusMem.UnitID,
			BaseSlot:   *d.StatusSlot,
			DeviceName: d.DeviceName,
		}
	}

	return plan, nil
}

type closingClient interface {
	EndpointClient
	Close() error
}

// BuildEndpointClients creates one client per unique protocol|endpoint across
// all devices, plus the status memory endpoint when any device opted in.
func BuildEndpointClients(c *cfg.Config, timeout time.Duration) (map[string]EndpointClient, func() error, error) {
	type key struct{ protocol, endpoint string }
	unique := map[key]struct{}{}

	for _, d := range c.Devpoll.Devices {
		for _, t := range d.Targets {
			proto := t.Protocol
			if proto == "" {
				proto = cfg.ProtocolModbus
			}
			unique[key{proto, t.Endpoint}] = struct{}{}
		}
		if d.StatusSlot != nil {
			unique[key{cfg.ProtocolModbus, c.Devpoll.StatusMemory.Endpoint}] = struct{}{}
		}
	}

	clients := make(map[string]EndpointClient)
	var closers []func() error

	closeAll := func() error {
		var err error
		for _, fn := range closers {
			err = multierr.Append(err, fn())
		}
		return err
	}

	for k := range unique {
		var (
			cli closingClient
			err error
		)
		switch k.protocol {
		case cfg.ProtocolIngest:
			cli, err = wingest.NewEndpointClient(wingest.Config{Endpoint: k.endpoint, Timeout: timeout})
		default:
			cli, err = wmodbus.NewEndpointClient(wmodbus.Config{Endpoint: k.endpoint, Timeout: timeout})
		}
		if err != nil {
			_ = closeAll()
			return nil, nil, err
		}
		clients[ClientKey(k.protocol, k.endpoint)] = cli
		closers = append(closers, cli.Close)
	}

	return clients, closeAll, nil
}
