package events

import "time"

// FetchStart is emitted before a plan fetch node calls its service.
type FetchStart struct {
	Service   string
	Transport string
	Path      string
	Entities  int
}

// FetchFinish is emitted after a fetch node completes.
type FetchFinish struct {
	Service   string
	Transport string
	Path      string
	Err       error
	Duration  time.Duration
}
