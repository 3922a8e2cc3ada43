package facade

import (
	"sync"

	"github.com/opencode-ai/sessionstream/internal/protocol"
)

// pendingKey groups in-flight requests by operation kind and session.
type pendingKey struct {
	Kind      protocol.CommandKind
	SessionID string
}

// request is one awaited command. It settles exactly once.
type request struct {
	id   string
	key  pendingKey
	done chan protocol.Response
}

// pendingTable tracks requests awaiting a response. Each key holds every
// outstanding request of that kind for that session, so a second request
// never replaces the first one's resolver.
type pendingTable struct {
	mu      sync.Mutex
	entries map[pendingKey]map[string]*request
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[pendingKey]map[string]*request)}
}

func (p *pendingTable) add(key pendingKey, id string) *request {
	req := &request{id: id, key: key, done: make(chan protocol.Response, 1)}

	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.entries[key]
	if !ok {
		set = make(map[string]*request)
		p.entries[key] = set
	}
	set[id] = req
	return req
}

// take removes and returns the request, if still pending.
func (p *pendingTable) take(key pendingKey, id string) (*request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	req, ok := set[id]
	if !ok {
		return nil, false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(p.entries, key)
	}
	return req, true
}

// resolve settles the request matching resp. It reports false for
// responses nobody waits for.
func (p *pendingTable) resolve(resp protocol.Response) bool {
	req, ok := p.take(pendingKey{Kind: resp.Kind, SessionID: resp.SessionID}, resp.RequestID)
	if !ok {
		return false
	}
	req.done <- resp
	return true
}

// count returns the number of outstanding requests for key.
func (p *pendingTable) count(key pendingKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries[key])
}

// drain removes every request and returns them.
func (p *pendingTable) drain() []*request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*request
	for _, set := range p.entries {
		for _, req := range set {
			out = append(out, req)
		}
	}
	p.entries = make(map[pendingKey]map[string]*request)
	return out
}
