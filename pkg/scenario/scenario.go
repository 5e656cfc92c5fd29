// Package scenario drives the discovery test scenarios: instances obtain a
// sequence number, exchange identity records, and move through a fixed chain
// of barriers while exercising their discovery engine.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/testground/discovery-plan/pkg/discovery"
	"github.com/testground/discovery-plan/pkg/network"
	"github.com/testground/discovery-plan/pkg/runtime"
	"github.com/testground/discovery-plan/pkg/sync"
)

// ErrUnknownScenario is returned when the run names a scenario that is not
// registered.
var ErrUnknownScenario = errors.New("unknown scenario")

// Scenario is a named test case.
type Scenario struct {
	Name        string
	Description string
	Run         func(ctx context.Context, d *Driver) error
}

var registry = map[string]Scenario{
	"enr-update": {
		Name:        "enr-update",
		Description: "coordinator learns its external address from peers it contacts",
		Run:         enrUpdate,
	},
	"find-node": {
		Name:        "find-node",
		Description: "every instance sends a directed query to every other instance",
		Run:         findNode,
	},
}

// Names returns the registered scenario names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the scenario with the supplied name.
func Lookup(name string) (Scenario, error) {
	s, ok := registry[name]
	if !ok {
		return Scenario{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownScenario, name, Names())
	}
	return s, nil
}

// Run configures the network, then runs the scenario named by the test case
// of the run to completion.
func Run(ctx context.Context, runenv *runtime.RunEnv, client *sync.Client, starter discovery.Starter, opts ...Option) (err error) {
	sc, err := Lookup(runenv.TestCase)
	if err != nil {
		return err
	}

	netcfg, err := network.ConfigFromParams(runenv)
	if err != nil {
		return err
	}
	if err := network.ConfigureNetwork(ctx, runenv, client, netcfg); err != nil {
		return err
	}

	d, err := NewDriver(runenv, client, starter, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := d.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("failed to close driver: %w", cerr)).ErrorOrNil()
		}
	}()

	return sc.Run(ctx, d)
}

// enrUpdate measures how long the self-addressed coordinator takes to learn
// its external address once it contacts every participant.
func enrUpdate(ctx context.Context, d *Driver) error {
	if err := d.exchangeIdentity(ctx, identityOptions{selfAddressed: true, watch: true}); err != nil {
		return err
	}

	if d.IsCoordinator() {
		d.fanOut(ctx, d.others(), false)
	}

	if err := d.establishConnections(ctx); err != nil {
		return err
	}
	if err := d.observeAddress(ctx); err != nil {
		return err
	}
	return d.complete(ctx)
}

// findNode has every instance query every other one, recording the latency
// of each query and the resulting routing table size.
func findNode(ctx context.Context, d *Driver) error {
	if err := d.exchangeIdentity(ctx, identityOptions{}); err != nil {
		return err
	}

	d.fanOut(ctx, d.others(), true)

	if err := d.establishConnections(ctx); err != nil {
		return err
	}
	d.runenv.RecordMetric(RoutingTableMetric, float64(len(d.engine.RoutingTable())))

	if err := d.observeAddress(ctx); err != nil {
		return err
	}
	return d.complete(ctx)
}
