// Package network requests a link shape for the data network from the
// testground sidecar, and synchronises instances around that request.
package network

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/testground/discovery-plan/pkg/runtime"
	"github.com/testground/discovery-plan/pkg/sync"
)

const (
	// magic values that we monitor on the Testground runner side to detect when Testground
	// testplan instances are initialised and at the stage of actually running a test
	NetworkInitialisationSuccessful = "network initialisation successful"
	NetworkInitialisationFailed     = "network initialisation failed"

	// DefaultDataNetwork is the name of the data network interface.
	DefaultDataNetwork = "default"

	// DefaultBandwidth is the egress bandwidth requested when the run does
	// not set the bandwidth param.
	DefaultBandwidth = 1 * humanize.MiByte
)

const (
	// StateInitialized is signalled by the sidecar of every instance once its
	// data network is up.
	StateInitialized = sync.State("network-initialized")

	// StateConfigured is entered by every instance once its link shape has
	// been applied.
	StateConfigured = sync.State("state_network_configured")
)

// RoutingPolicyType defines the traffic allowed to leave the data network.
type RoutingPolicyType string

const (
	AllowAll = RoutingPolicyType("allow_all")
	DenyAll  = RoutingPolicyType("deny_all")
)

// LinkShape defines how traffic should be shaped.
type LinkShape struct {
	// Latency is the egress latency
	Latency time.Duration `json:"latency"`

	// Bandwidth is egress bytes per second
	Bandwidth uint64 `json:"bandwidth"`

	// Drop all inbound traffic.
	Filter bool `json:"filter,omitempty"`
}

// LinkRule applies a LinkShape to a subnet.
type LinkRule struct {
	LinkShape
	Subnet net.IPNet `json:"subnet"`
}

// Config specifies how a node's network should be configured.
type Config struct {
	// Network is the name of the network to configure
	Network string `json:"network"`

	// Enable enables this network device.
	Enable bool `json:"enable"`

	// Default is the default link shaping rule.
	Default LinkShape `json:"default"`

	// Rules defines how traffic should be shaped to different subnets.
	Rules []LinkRule `json:"rules,omitempty"`

	// CallbackState will be signalled by the sidecar when the link changes
	// are applied.
	CallbackState sync.State `json:"callback_state"`

	// CallbackTarget is the value of the callback state the instances wait
	// for; usually the instance count.
	CallbackTarget int `json:"callback_target,omitempty"`

	// RoutingPolicy defines the allowed traffic outside the data network.
	RoutingPolicy RoutingPolicyType `json:"routing_policy"`
}

// Topic returns the topic on which the sidecar of the supplied host expects
// its network configuration.
func Topic(hostname string) *sync.Topic {
	return sync.NewTopic("network:" + hostname)
}

// ConfigFromParams builds the configuration requested by the run params:
// `latency` in milliseconds (or a duration string), and `bandwidth` as a
// human readable size.
func ConfigFromParams(runenv *runtime.RunEnv) (*Config, error) {
	cfg := &Config{
		Network:        DefaultDataNetwork,
		Enable:         true,
		CallbackState:  StateConfigured,
		CallbackTarget: runenv.TestInstanceCount,
		RoutingPolicy:  DenyAll,
		Default: LinkShape{
			Bandwidth: DefaultBandwidth,
		},
	}

	if runenv.IsParamSet("latency") {
		latency, err := runenv.DurationParam("latency", time.Millisecond)
		if err != nil {
			return nil, err
		}
		cfg.Default.Latency = latency
	}

	if v, ok := runenv.TestInstanceParams["bandwidth"]; ok {
		bw, err := humanize.ParseBytes(v)
		if err != nil {
			return nil, fmt.Errorf("bandwidth is not a size: %w", err)
		}
		cfg.Default.Bandwidth = bw
	}

	return cfg, nil
}

// WaitNetworkInitialized waits for the sidecar to initialize the network, if
// the sidecar is enabled.
func WaitNetworkInitialized(ctx context.Context, runenv *runtime.RunEnv, client *sync.Client) error {
	if runenv.TestSidecar {
		err := <-client.Barrier(ctx, StateInitialized, runenv.TestInstanceCount).C
		if err != nil {
			runenv.RecordMessage(NetworkInitialisationFailed)
			return fmt.Errorf("failed to initialize network: %w", err)
		}
	}
	runenv.RecordMessage(NetworkInitialisationSuccessful)
	return nil
}

// ConfigureNetwork requests the link shape of cfg from the sidecar, then
// waits for every instance of the run to reach the configured state.
//
// Without a sidecar nothing is published, but the configured barrier is still
// entered so that all instances start the scenario together; it is the first
// checkpoint of the run.
func ConfigureNetwork(ctx context.Context, runenv *runtime.RunEnv, client *sync.Client, cfg *Config) error {
	if err := WaitNetworkInitialized(ctx, runenv, client); err != nil {
		return err
	}

	if runenv.TestSidecar {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}

		if _, err := client.Publish(ctx, Topic(hostname), cfg); err != nil {
			return fmt.Errorf("failed to configure network: %w", err)
		}

		runenv.RecordMessage("requested link shape: latency %s, bandwidth %s/s",
			cfg.Default.Latency, humanize.IBytes(cfg.Default.Bandwidth))

		// the sidecar enters the callback state on our behalf.
		if err := <-client.Barrier(ctx, cfg.CallbackState, cfg.CallbackTarget).C; err != nil {
			return fmt.Errorf("failed to wait for network configuration: %w", err)
		}
		return nil
	}

	if _, err := client.SignalAndWait(ctx, cfg.CallbackState, runenv.TestInstanceCount); err != nil {
		return fmt.Errorf("failed to wait for network configuration: %w", err)
	}
	return nil
}
