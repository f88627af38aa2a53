package engine

import "context"

// Connectivity is an explicit capability rather than ambient global
// state, so tests can decide deterministically whether the engine
// believes it is online.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// GatewayProbe reports online when the gateway health endpoint answers.
type GatewayProbe struct {
	Client interface {
		Ping(ctx context.Context) error
	}
}

// Online implements Connectivity.
func (p *GatewayProbe) Online(ctx context.Context) bool {
	return p.Client.Ping(ctx) == nil
}

// StaticConnectivity always reports the configured state.
type StaticConnectivity bool

// Online implements Connectivity.
func (s StaticConnectivity) Online(context.Context) bool {
	return bool(s)
}
