package gateway

import (
	"sort"
	"sync"
	"time"
)

const idleAfter = 5 * time.Minute

// clientSet tracks live connections by id.
type clientSet struct {
	mu      sync.RWMutex
	byID    map[string]*Client
	perAddr map[string]int
}

func newClientSet() *clientSet {
	return &clientSet{
		byID:    make(map[string]*Client),
		perAddr: make(map[string]int),
	}
}

func (s *clientSet) add(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID()] = c
	s.perAddr[c.host()]++
}

// remove reports whether c was still present.
func (s *clientSet) remove(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID()]; !ok {
		return false
	}
	delete(s.byID, c.ID())
	host := c.host()
	if s.perAddr[host]--; s.perAddr[host] <= 0 {
		delete(s.perAddr, host)
	}
	return true
}

func (s *clientSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// fromAddr counts the connections opened from host.
func (s *clientSet) fromAddr(host string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.perAddr[host]
}

// closeAll closes every client with reason and returns how many there were.
func (s *clientSet) closeAll(reason string) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.byID))
	for _, c := range s.byID {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close(reason)
	}
	return len(clients)
}

// infos lists the clients oldest first.
func (s *clientSet) infos(now time.Time) []ClientInfo {
	s.mu.RLock()
	infos := make([]ClientInfo, 0, len(s.byID))
	for _, c := range s.byID {
		last := c.lastActivity()
		infos = append(infos, ClientInfo{
			ID:           c.ID(),
			ConnectedAt:  c.ConnectedAt,
			LastActivity: last,
			IPAddress:    c.IPAddress,
			Idle:         now.Sub(last) > idleAfter,
		})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
