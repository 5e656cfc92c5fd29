package scenario

import (
	"context"
	"fmt"

	"github.com/testground/discovery-plan/pkg/discovery"
	"github.com/testground/discovery-plan/pkg/sync"
)

const (
	// StateInstanceSeq is the counter handing out instance sequence numbers.
	StateInstanceSeq = sync.State("get_instance_seq")

	// StateEstablished is entered once an instance has attempted its
	// connections.
	StateEstablished = sync.State("state_completed_establish_connections")

	// StateCompleted is the final checkpoint of every scenario.
	StateCompleted = sync.State("state_completed")
)

// InfoTopic is where instances exchange their InstanceInfo.
var InfoTopic = sync.NewTopic("publish_and_collect")

// Role is the part an instance plays in a scenario.
type Role string

const (
	RoleCoordinator = Role("coordinator")
	RoleParticipant = Role("participant")
)

// RoleOf returns the role of the instance with the supplied sequence number;
// the first instance coordinates.
func RoleOf(seq int64) Role {
	if seq == 1 {
		return RoleCoordinator
	}
	return RoleParticipant
}

// InstanceInfo is what an instance announces about itself.
type InstanceInfo struct {
	Seq    int64            `json:"seq"`
	Record discovery.Record `json:"record"`
	Role   Role             `json:"role"`
}

// AssignSequence returns the unique sequence number of this instance within
// the run, starting at 1.
func AssignSequence(ctx context.Context, client *sync.Client) (int64, error) {
	seq, err := client.SignalEntry(ctx, StateInstanceSeq)
	if err != nil {
		return -1, fmt.Errorf("failed to get instance sequence number: %w", err)
	}
	return seq, nil
}

// AssignGroupSequence returns the sequence number of this instance within
// its group, starting at 1.
func AssignGroupSequence(ctx context.Context, client *sync.Client, group string) (int64, error) {
	seq, err := client.SignalEntry(ctx, sync.State("get_group_seq_"+group))
	if err != nil {
		return -1, fmt.Errorf("failed to get sequence number in group %s: %w", group, err)
	}
	return seq, nil
}
