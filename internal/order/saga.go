package order

import (
	"fmt"
	"time"

	"github.com/example/order-saga/internal/event"
)

type Step string

const (
	StepPending           Step = "PENDING"
	StepAwaitingPayment   Step = "AWAITING_PAYMENT"
	StepAwaitingInventory Step = "AWAITING_INVENTORY"
	StepCompleted         Step = "COMPLETED"
	StepCompensating      Step = "COMPENSATING"
	StepFailed            Step = "FAILED"
)

type ParticipantStatus string

const (
	ParticipantPending     ParticipantStatus = "PENDING"
	ParticipantSuccess     ParticipantStatus = "SUCCESS"
	ParticipantFailed      ParticipantStatus = "FAILED"
	ParticipantCompensated ParticipantStatus = "COMPENSATED"
)

const (
	ParticipantPayment   = "payment"
	ParticipantInventory = "inventory"
)

// SagaState is the persisted progress of one order's saga. It is created
// with the order, mutated only by the state machine and never deleted.
// The PAYMENT_SUCCESS / INVENTORY_SUCCESS stages of the protocol live in
// the Participants map; Step records what the saga is currently waiting on.
type SagaState struct {
	OrderID              string                       `json:"order_id"`
	Step                 Step                         `json:"step"`
	Participants         map[string]ParticipantStatus `json:"participants"`
	Cancelled            bool                         `json:"cancelled"`
	RequiresIntervention bool                         `json:"requires_intervention"`
	UpdatedAt            time.Time                    `json:"updated_at"`
}

func NewSagaState(orderID string) *SagaState {
	return &SagaState{
		OrderID: orderID,
		Step:    StepPending,
		Participants: map[string]ParticipantStatus{
			ParticipantPayment:   ParticipantPending,
			ParticipantInventory: ParticipantPending,
		},
		UpdatedAt: time.Now().UTC(),
	}
}

// Emit is a side-effect event the transition wants staged in the outbox,
// atomically with the state change that produced it.
type Emit struct {
	EventType string
	Payload   any
}

// Result of applying one event. Changed reports whether state moved;
// Anomaly is set instead when the event matched no transition.
type Result struct {
	Changed bool
	Emits   []Emit
	Anomaly string
}

func anomaly(format string, args ...any) Result {
	return Result{Anomaly: fmt.Sprintf(format, args...)}
}

// Apply is the transition function: given the current persisted state and
// an incoming event it mutates the state and reports the events to stage.
// It is total — events that fit no transition yield an anomaly result, so
// redelivered or out-of-order events can never corrupt the saga.
func (s *SagaState) Apply(env event.Envelope) (Result, error) {
	switch env.EventType {
	case event.TypePaymentProcessed:
		return s.applySuccess(ParticipantPayment, event.CompensationRefundPayment), nil

	case event.TypeInventoryReserved:
		return s.applySuccess(ParticipantInventory, event.CompensationReleaseInventory), nil

	case event.TypePaymentFailed:
		var p event.PaymentFailed
		if err := env.Decode(&p); err != nil {
			return Result{}, err
		}
		return s.applyFailure(ParticipantPayment, p.Reason), nil

	case event.TypeInventoryFailed:
		var p event.InventoryFailed
		if err := env.Decode(&p); err != nil {
			return Result{}, err
		}
		return s.applyFailure(ParticipantInventory, p.Reason), nil

	case event.TypePaymentRefunded:
		return s.applyCompensated(ParticipantPayment), nil

	case event.TypeInventoryReleased:
		var p event.InventoryReleased
		if err := env.Decode(&p); err != nil {
			return Result{}, err
		}
		return s.applyReleased(p.Reason), nil

	case event.TypeInventoryAllocated:
		// Expected acknowledgment after completion; nothing left to drive.
		if s.Step == StepCompleted {
			return Result{}, nil
		}
		return anomaly("InventoryAllocated in step %s", s.Step), nil

	case event.TypeCompensationFailed:
		var p event.CompensationFailed
		if err := env.Decode(&p); err != nil {
			return Result{}, err
		}
		return s.applyCompensationFailed(p.Action, p.Reason), nil

	default:
		return anomaly("event %s matches no transition", env.EventType), nil
	}
}

// applySuccess records a participant outcome. A success landing while the
// saga is already compensating still needs to be undone: the machine
// re-emits OrderFailed carrying just the newly required compensation, so
// the compensation set is the union of everything that actually happened.
func (s *SagaState) applySuccess(participant, compensation string) Result {
	switch s.Step {
	case StepPending, StepAwaitingPayment, StepAwaitingInventory:
		if s.Participants[participant] != ParticipantPending {
			return anomaly("%s already %s", participant, s.Participants[participant])
		}
		s.Participants[participant] = ParticipantSuccess
		s.advance()
		if s.Step == StepCompleted {
			return Result{Changed: true, Emits: []Emit{{
				EventType: event.TypeOrderCompleted,
				Payload:   event.OrderCompleted{OrderID: s.OrderID, CompletedAt: time.Now().UTC()},
			}}}
		}
		return Result{Changed: true}

	case StepCompensating:
		if s.Participants[participant] != ParticipantPending {
			return anomaly("%s already %s while compensating", participant, s.Participants[participant])
		}
		s.Participants[participant] = ParticipantSuccess
		s.touch()
		return Result{Changed: true, Emits: []Emit{{
			EventType: event.TypeOrderFailed,
			Payload: event.OrderFailed{
				OrderID:       s.OrderID,
				Reason:        "late success during compensation",
				Compensations: []string{compensation},
			},
		}}}

	default:
		return anomaly("%s success in step %s", participant, s.Step)
	}
}

func (s *SagaState) applyFailure(participant, reason string) Result {
	switch s.Step {
	case StepPending, StepAwaitingPayment, StepAwaitingInventory:
		if s.Participants[participant] != ParticipantPending {
			return anomaly("%s already %s", participant, s.Participants[participant])
		}
		s.Participants[participant] = ParticipantFailed
		s.Step = StepCompensating
		s.touch()

		res := Result{Changed: true, Emits: []Emit{{
			EventType: event.TypeOrderFailed,
			Payload: event.OrderFailed{
				OrderID:       s.OrderID,
				Reason:        reason,
				Compensations: s.requiredCompensations(),
			},
		}}}
		s.settle()
		return res

	case StepCompensating:
		if s.Participants[participant] != ParticipantPending {
			return anomaly("%s already %s while compensating", participant, s.Participants[participant])
		}
		// Second independent failure; nothing new to compensate.
		s.Participants[participant] = ParticipantFailed
		s.settle()
		return Result{Changed: true}

	default:
		return anomaly("%s failure in step %s", participant, s.Step)
	}
}

func (s *SagaState) applyCompensated(participant string) Result {
	if s.Step != StepCompensating || s.Participants[participant] != ParticipantSuccess {
		return anomaly("compensation ack for %s in step %s", participant, s.Step)
	}
	s.Participants[participant] = ParticipantCompensated
	s.settle()
	return Result{Changed: true}
}

// applyReleased handles InventoryReleased. A compensation release confirms
// a pending rollback; an expiry release while the order is still in flight
// means the reservation is gone and the saga must fail.
func (s *SagaState) applyReleased(reason string) Result {
	if s.Step == StepCompensating {
		return s.applyCompensated(ParticipantInventory)
	}
	if reason != event.ReleaseReasonExpired {
		return anomaly("InventoryReleased(%s) in step %s", reason, s.Step)
	}
	switch s.Step {
	case StepPending, StepAwaitingPayment, StepAwaitingInventory:
		res := s.applyFailure(ParticipantInventory, "reservation expired")
		if res.Changed {
			return res
		}
		// Inventory had already reported success; the hold it granted no
		// longer exists, so its success is void.
		if s.Participants[ParticipantInventory] == ParticipantSuccess {
			s.Participants[ParticipantInventory] = ParticipantFailed
			s.Step = StepCompensating
			s.touch()
			out := Result{Changed: true, Emits: []Emit{{
				EventType: event.TypeOrderFailed,
				Payload: event.OrderFailed{
					OrderID:       s.OrderID,
					Reason:        "reservation expired",
					Compensations: s.requiredCompensations(),
				},
			}}}
			s.settle()
			return out
		}
		return res
	default:
		return anomaly("InventoryReleased(EXPIRED) in step %s", s.Step)
	}
}

func (s *SagaState) applyCompensationFailed(action, reason string) Result {
	if s.Step != StepCompensating {
		return anomaly("CompensationFailed(%s) in step %s", action, s.Step)
	}
	s.Step = StepFailed
	s.RequiresIntervention = true
	s.touch()
	return Result{Changed: true}
}

// Cancel moves an in-flight saga onto the compensating path. Returns the
// events to stage, or ErrNotCancellable once an outcome is already settled.
func (s *SagaState) Cancel(reason string) ([]Emit, error) {
	switch s.Step {
	case StepPending, StepAwaitingPayment, StepAwaitingInventory:
	default:
		return nil, ErrNotCancellable
	}

	s.Cancelled = true
	s.Step = StepCompensating
	s.touch()
	emits := []Emit{
		{
			EventType: event.TypeOrderCancelled,
			Payload:   event.OrderCancelled{OrderID: s.OrderID, Reason: reason, CancelledAt: time.Now().UTC()},
		},
		{
			EventType: event.TypeOrderFailed,
			Payload: event.OrderFailed{
				OrderID:       s.OrderID,
				Reason:        "cancelled: " + reason,
				Compensations: s.requiredCompensations(),
			},
		},
	}
	s.settle()
	return emits, nil
}

// requiredCompensations lists the rollbacks owed for participants that have
// succeeded so far. The list travels inside OrderFailed and is authoritative
// for consumers.
func (s *SagaState) requiredCompensations() []string {
	comps := make([]string, 0, 2)
	if s.Participants[ParticipantPayment] == ParticipantSuccess {
		comps = append(comps, event.CompensationRefundPayment)
	}
	if s.Participants[ParticipantInventory] == ParticipantSuccess {
		comps = append(comps, event.CompensationReleaseInventory)
	}
	return comps
}

// advance recomputes the waiting step from participant outcomes.
func (s *SagaState) advance() {
	pay := s.Participants[ParticipantPayment]
	inv := s.Participants[ParticipantInventory]
	switch {
	case pay == ParticipantSuccess && inv == ParticipantSuccess:
		s.Step = StepCompleted
	case pay == ParticipantSuccess:
		s.Step = StepAwaitingInventory
	default:
		s.Step = StepAwaitingPayment
	}
	s.touch()
}

// settle moves COMPENSATING to FAILED once no participant is still pending
// and every successful step has been compensated.
func (s *SagaState) settle() {
	if s.Step != StepCompensating {
		return
	}
	for _, st := range s.Participants {
		if st == ParticipantPending || st == ParticipantSuccess {
			return
		}
	}
	s.Step = StepFailed
	s.touch()
}

// OrderStatus is the order status implied by the saga step.
func (s *SagaState) OrderStatus() Status {
	switch s.Step {
	case StepCompleted:
		return StatusCompleted
	case StepFailed, StepCompensating:
		if s.Cancelled {
			return StatusCancelled
		}
		if s.Step == StepFailed {
			return StatusFailed
		}
		return StatusPending
	default:
		return StatusPending
	}
}

func (s *SagaState) touch() {
	s.UpdatedAt = time.Now().UTC()
}
