package discovery

// Static yields a single fixed endpoint. It stands in for mDNS browsing
// when the device address is configured explicitly.
type Static struct {
	found chan Endpoint
}

// NewStatic returns a source that yields ep once.
func NewStatic(ep Endpoint) *Static {
	found := make(chan Endpoint, 1)
	found <- ep

	return &Static{found: found}
}

// Found returns the channel carrying the configured endpoint.
func (s *Static) Found() <-chan Endpoint {
	return s.found
}

// Shutdown discards the endpoint if it was never taken.
func (s *Static) Shutdown() {
	select {
	case <-s.found:
	default:
	}
}
