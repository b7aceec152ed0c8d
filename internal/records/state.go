// Package records tracks every unit of the current cycle through
// download, pick and ship. Transitions go through Store methods, which enforce
// the guards and write one audit Outcome per attempt.
package records

import "fmt"

type State int

const (
	Parsed State = iota
	PickRequested
	Picked
	ShipEligible
	ShipRequested
	Shipped
	Failed
)

func (s State) String() string {
	switch s {
	case Parsed:
		return "parsed"
	case PickRequested:
		return "pick_requested"
	case Picked:
		return "picked"
	case ShipEligible:
		return "ship_eligible"
	case ShipRequested:
		return "ship_requested"
	case Shipped:
		return "shipped"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stable is the state a failure falls back to, in-flight requests roll back to
// the state they started from.
func stable(s State) State {
	switch s {
	case PickRequested:
		return Parsed
	case ShipRequested:
		return ShipEligible
	}
	return s
}

type Step string

const (
	StepDownload Step = "download"
	StepPick     Step = "pick"
	StepList     Step = "list"
	StepShip     Step = "ship"
)

// Route is how a unit leaves the warehouse.
type Route string

const (
	Courier    Route = "courier"
	SelfPickup Route = "self_pickup"
)

// Unit is one serial numbered unit. Copies handed out by Store are snapshots.
type Unit struct {
	SN           string
	ProductType  string
	OrderRef     string
	CustomerName string
	State        State
	// FailedAt is the last stable state of a Failed unit.
	FailedAt  State
	LastError error
	Attempts  map[Step]int
	SlipNo    string
	Route     Route
}

// Label renders the state, including the stage a failed unit stopped at.
func (u Unit) Label() string {
	if u.State == Failed {
		return fmt.Sprintf("failed(%s)", u.FailedAt)
	}
	return u.State.String()
}

// is reports whether the unit is at s, counting a failure at s as being at s.
func (u Unit) is(s State) bool {
	return u.State == s || (u.State == Failed && u.FailedAt == s)
}
