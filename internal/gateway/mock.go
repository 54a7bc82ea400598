package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sent records one outbound payload for inspection in tests.
type Sent struct {
	CaseID  string
	CorrID  string
	Payload []byte
}

// MockGateway implements Gateway in memory. When Handler is set, each
// query is answered asynchronously with ReplyPayload after Delay, which is
// how dev mode simulates the registry round trip.
type MockGateway struct {
	mu      sync.Mutex
	queries []Sent
	updates []Sent

	Handler      ReplyHandler
	ReplyPayload []byte
	Delay        time.Duration

	QueryErr  error
	UpdateErr error
}

// SendQuery implements Gateway.
func (g *MockGateway) SendQuery(_ context.Context, caseID string, payload []byte) (string, error) {
	if g.QueryErr != nil {
		return "", g.QueryErr
	}
	corrID := uuid.NewString()
	g.mu.Lock()
	g.queries = append(g.queries, Sent{CaseID: caseID, CorrID: corrID, Payload: payload})
	g.mu.Unlock()

	if g.Handler != nil {
		reply := g.ReplyPayload
		go func() {
			if g.Delay > 0 {
				time.Sleep(g.Delay)
			}
			g.Handler(context.Background(), corrID, reply)
		}()
	}
	return corrID, nil
}

// SendUpdate implements Gateway.
func (g *MockGateway) SendUpdate(_ context.Context, caseID string, payload []byte) (string, error) {
	if g.UpdateErr != nil {
		return "", g.UpdateErr
	}
	corrID := uuid.NewString()
	g.mu.Lock()
	g.updates = append(g.updates, Sent{CaseID: caseID, CorrID: corrID, Payload: payload})
	g.mu.Unlock()
	return corrID, nil
}

// Queries returns a copy of the recorded query sends.
func (g *MockGateway) Queries() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sent(nil), g.queries...)
}

// Updates returns a copy of the recorded update sends.
func (g *MockGateway) Updates() []Sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Sent(nil), g.updates...)
}
