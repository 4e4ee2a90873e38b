package events

import "time"

// GraphQLStart is published when the gateway starts serving one operation of
// a request.
type GraphQLStart struct {
	Query         string
	OperationName string
	OperationType string
	Batched       bool
}

// GraphQLFinish is published once the operation's response is complete.
// Services lists the services its plan fetched from; Canned is set when
// Prepare answered without a plan (introspection or a rejected query).
type GraphQLFinish struct {
	Query         string
	OperationName string
	OperationType string
	Batched       bool
	Canned        bool
	Services      []string
	Errors        []error
	Duration      time.Duration
}
