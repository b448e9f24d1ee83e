// Package stats maintains the live search-statistics snapshot each gateway
// serves to subscribed sessions.
package stats

// Delta actions. The matcher declares which transition happened so gateways
// can adjust their cached snapshot without a database round trip.
const (
	ActionStart  = "start"
	ActionCancel = "cancel"
	ActionMatch  = "match"
)

// Delta is the NATS payload published on every search transition.
type Delta struct {
	Action string `json:"action"`
	Gender string `json:"gender"`
}
