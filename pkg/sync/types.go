package sync

import (
	"encoding/json"
	"fmt"

	"github.com/testground/discovery-plan/pkg/runtime"
)

// State is a named synchronisation point. Instances signal entry into a
// state, and barriers fire once a state has been entered a number of times.
type State string

// Key gets the key of this state, contextualized to a set of RunParams.
func (s State) Key(rp *runtime.RunParams) string {
	return fmt.Sprintf("run:%s:plan:%s:case:%s:states:%s", rp.TestRun, rp.TestPlan, rp.TestCase, string(s))
}

// Topic is a named, ordered, append-only feed of JSON payloads, scoped to a
// run.
type Topic struct {
	Name string
}

// NewTopic returns a topic with the supplied name.
func NewTopic(name string) *Topic {
	return &Topic{Name: name}
}

// Key gets the key of this topic, contextualized to a set of RunParams.
func (t Topic) Key(rp *runtime.RunParams) string {
	return fmt.Sprintf("run:%s:plan:%s:case:%s:topics:%s", rp.TestRun, rp.TestPlan, rp.TestCase, t.Name)
}

// PublishRequest represents a publish request.
type PublishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// PublishResponse represents a publish response.
type PublishResponse struct {
	Seq int64 `json:"seq"`
}

// SubscribeRequest represents a subscribe request.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

// BarrierRequest represents a barrier request.
type BarrierRequest struct {
	State  string `json:"state"`
	Target int64  `json:"target"`
}

// SignalEntryRequest represents a signal entry request.
type SignalEntryRequest struct {
	State string `json:"state"`
}

// SignalEntryResponse represents a signal entry response.
type SignalEntryResponse struct {
	Seq int64 `json:"seq"`
}

// Request represents a request from the test instance to the sync service.
// The request ID must be present and one of the requests must be non-nil,
// unless IsCancel is set, in which case the ongoing request with that ID is
// cancelled. The ID will be used on further responses.
type Request struct {
	ID                 string              `json:"id"`
	IsCancel           bool                `json:"is_cancel,omitempty"`
	PublishRequest     *PublishRequest     `json:"publish,omitempty"`
	SubscribeRequest   *SubscribeRequest   `json:"subscribe,omitempty"`
	BarrierRequest     *BarrierRequest     `json:"barrier,omitempty"`
	SignalEntryRequest *SignalEntryRequest `json:"signal_entry,omitempty"`
}

// Response represents a response from the sync service to a test instance.
// The ID is the same as the request ID. Subscriptions receive one response
// per item, and a final response carrying an Error when they end.
type Response struct {
	ID                  string               `json:"id"`
	Error               string               `json:"error,omitempty"`
	PublishResponse     *PublishResponse     `json:"publish,omitempty"`
	SubscribeResponse   json.RawMessage      `json:"subscribe,omitempty"`
	SignalEntryResponse *SignalEntryResponse `json:"signal_entry,omitempty"`
}
