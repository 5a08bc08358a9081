package throttle

import "time"

// EndpointStats is a point-in-time report of one endpoint's admission and
// transport state, keyed in GetStats by flag (if non-empty) or name. Rate
// reports the current working limit, not the caller's target ceiling.
type EndpointStats struct {
	Name        string
	Flag        string
	Accepted    int
	Incoming    int
	Rate        int
	AverageTime time.Duration
	Used        int
	Free        int
	Pending     int
	BufferBytes float64
}
