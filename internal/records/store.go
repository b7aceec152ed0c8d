package records

import (
	"errors"
	"fmt"
	"shipflow/internal/components/assert"
	"shipflow/internal/components/chrono"
	"shipflow/internal/components/telemetry"
	"shipflow/internal/failure"
	"sync"
)

var (
	ErrUnknownUnit = errors.New("unknown unit")
	ErrDuplicate   = errors.New("duplicate serial number")
	// ErrAlreadyAdvanced rejects a pick for a unit that is already picked or further.
	ErrAlreadyAdvanced = errors.New("unit already advanced past this step")
	ErrInvalidState    = errors.New("transition not allowed from current state")
)

const report_audit = "store.audit-append"

// Store owns the units of one cycle.
type Store struct {
	cycleID string
	audit   AuditLog
	time    chrono.API
	tel     telemetry.API

	mu    sync.Mutex
	units map[string]*Unit
	order []string
}

func NewStore(cycleID string, audit AuditLog, time chrono.API, tel telemetry.API) *Store {
	assert.NotEmptyStr(cycleID)
	assert.NotNil(audit)
	assert.NotNil(time)
	assert.NotNil(tel)
	return &Store{
		cycleID: cycleID,
		audit:   audit,
		time:    time,
		tel:     tel,
		units:   map[string]*Unit{},
	}
}

func (s *Store) CycleID() string {
	return s.cycleID
}

// Add registers a freshly parsed unit.
func (s *Store) Add(u Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.units[u.SN]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, u.SN)
	}
	u.State = Parsed
	u.FailedAt = Parsed
	u.LastError = nil
	u.Attempts = map[Step]int{}
	s.units[u.SN] = &u
	s.order = append(s.order, u.SN)

	s.record(Outcome{SN: u.SN, Step: StepDownload, From: Parsed, To: Parsed, Success: true})
	return nil
}

func snapshot(u *Unit) Unit {
	out := *u
	out.Attempts = make(map[Step]int, len(u.Attempts))
	for k, v := range u.Attempts {
		out.Attempts[k] = v
	}
	return out
}

func (s *Store) Get(sn string) (Unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[sn]
	if !ok {
		return Unit{}, false
	}
	return snapshot(u), true
}

// Select returns the units matching keep in the order they were added.
func (s *Store) Select(keep func(Unit) bool) []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Unit{}
	for _, sn := range s.order {
		u := snapshot(s.units[sn])
		if keep == nil || keep(u) {
			out = append(out, u)
		}
	}
	return out
}

func (s *Store) Units() []Unit {
	return s.Select(nil)
}

func (s *Store) record(o Outcome) {
	o.CycleID = s.cycleID
	o.At = s.time.Now()
	err := s.audit.Append(o)
	if err != nil {
		s.tel.ReportWarning(report_audit, o.SN, err)
	}
}

type transition struct {
	sn      string
	step    Step
	allowed func(u Unit) bool
	// rejected is the error for a disallowed attempt, ErrInvalidState when nil
	rejected func(u Unit) error
	to       State
	apply    func(u *Unit)
	txID     string
	route    Route
	message  string
}

func (s *Store) move(t transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[t.sn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, t.sn)
	}

	from := u.State
	if !t.allowed(*u) {
		err := fmt.Errorf("%w: %s is %s", ErrInvalidState, t.sn, u.Label())
		if t.rejected != nil {
			err = t.rejected(*u)
		}
		s.record(Outcome{
			SN:      t.sn,
			Step:    t.step,
			From:    from,
			To:      from,
			Success: false,
			Message: err.Error(),
			Route:   t.route,
		})
		return err
	}

	u.State = t.to
	u.LastError = nil
	if t.apply != nil {
		t.apply(u)
	}
	s.record(Outcome{
		SN:            t.sn,
		Step:          t.step,
		From:          from,
		To:            t.to,
		TransactionID: t.txID,
		Success:       true,
		Message:       t.message,
		Route:         t.route,
	})
	return nil
}

// BeginPick moves a parsed unit (or one whose pick failed earlier) to
// PickRequested. Units already picked or beyond are rejected with
// ErrAlreadyAdvanced so the backend is never asked to pick them twice.
func (s *Store) BeginPick(sn string) error {
	return s.move(transition{
		sn:      sn,
		step:    StepPick,
		allowed: func(u Unit) bool { return u.is(Parsed) },
		rejected: func(u Unit) error {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyAdvanced, u.SN, u.Label())
		},
		to: PickRequested,
		apply: func(u *Unit) {
			u.Attempts[StepPick]++
		},
	})
}

func (s *Store) CompletePick(sn, slipNo string) error {
	return s.move(transition{
		sn:      sn,
		step:    StepPick,
		allowed: func(u Unit) bool { return u.State == PickRequested },
		to:      Picked,
		apply: func(u *Unit) {
			u.SlipNo = slipNo
		},
		txID: slipNo,
	})
}

// MarkShipEligible records that the logistics listing contains a picked unit.
func (s *Store) MarkShipEligible(sn, slipNo string) error {
	return s.move(transition{
		sn:      sn,
		step:    StepList,
		allowed: func(u Unit) bool { return u.State == Picked },
		to:      ShipEligible,
		apply: func(u *Unit) {
			if slipNo != "" {
				u.SlipNo = slipNo
			}
		},
		txID: slipNo,
	})
}

func (s *Store) BeginShip(sn string, route Route) error {
	return s.move(transition{
		sn:      sn,
		step:    StepShip,
		allowed: func(u Unit) bool { return u.is(ShipEligible) },
		to:      ShipRequested,
		apply: func(u *Unit) {
			u.Attempts[StepShip]++
			u.Route = route
		},
		route: route,
	})
}

func (s *Store) CompleteShip(sn, txID string) error {
	return s.move(transition{
		sn:      sn,
		step:    StepShip,
		allowed: func(u Unit) bool { return u.State == ShipRequested },
		to:      Shipped,
		txID:    txID,
	})
}

// Fail moves a unit to Failed, remembering the last stable state it reached.
func (s *Store) Fail(sn string, step Step, cause error) error {
	assert.NotNil(cause)

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[sn]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, sn)
	}
	from := u.State
	if from == Shipped {
		return fmt.Errorf("%w: %s is shipped", ErrInvalidState, sn)
	}
	if from != Failed {
		u.FailedAt = stable(from)
	}
	u.State = Failed
	u.LastError = cause

	s.record(Outcome{
		SN:      sn,
		Step:    step,
		From:    from,
		To:      Failed,
		Success: false,
		Message: cause.Error(),
		Route:   u.Route,
	})
	return nil
}

// Counts aggregates the store for a cycle summary.
type Counts struct {
	Units        int
	States       map[string]int
	Failures     map[string]int
	ProductTypes map[string]int
	Routes       map[Route]int
}

func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := Counts{
		Units:        len(s.units),
		States:       map[string]int{},
		Failures:     map[string]int{},
		ProductTypes: map[string]int{},
		Routes:       map[Route]int{},
	}
	for _, u := range s.units {
		c.States[u.Label()]++
		c.ProductTypes[u.ProductType]++
		if u.State == Failed {
			c.Failures[failure.Reason(u.LastError)]++
		}
		if u.State == Shipped {
			c.Routes[u.Route]++
		}
	}
	return c
}
