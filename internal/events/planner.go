package events

import "time"

// PlanStart is emitted before a query plan is looked up or computed.
type PlanStart struct {
	Query         string
	OperationName string
}

// PlanFinish is emitted after a plan lookup completes.
type PlanFinish struct {
	Query         string
	OperationName string
	CacheHit      bool
	Err           error
	Duration      time.Duration
}

// WarmUpFailure is emitted when pre-planning a hot key from a previous
// router fails. The failure is otherwise swallowed.
type WarmUpFailure struct {
	Query         string
	OperationName string
	Err           error
}
