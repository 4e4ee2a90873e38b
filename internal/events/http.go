package events

import (
	"net/http"
	"time"
)

// HTTPStart is published when the gateway receives an HTTP request.
type HTTPStart struct {
	Request *http.Request
}

// HTTPFinish is published after the gateway wrote its response. Operations
// is the number of GraphQL operations served, zero when the request was
// rejected before parsing.
type HTTPFinish struct {
	Request    *http.Request
	Status     int
	Operations int
	Duration   time.Duration
}
