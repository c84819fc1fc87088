//go:build !real_waku

package relay

// Builds without the real_waku tag have no go-waku backend; the node reports
// it as unavailable and callers fall back to direct transports.
func newRelayBackend() backend { return nil }
