package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// GRPCClientStart is published before a subgraph is called over gRPC.
type GRPCClientStart struct {
	Service       string
	Method        string
	Target        string
	OperationName string
}

// GRPCClientFinish is published after the call returned. Code is codes.OK on
// success.
type GRPCClientFinish struct {
	Service       string
	Method        string
	Target        string
	OperationName string
	Code          codes.Code
	Err           error
	Duration      time.Duration
}
