package socketio

import (
	"sync"
)

// ConnectionLimiter caps concurrent external UI connections. Localhost
// clients bypass the cap entirely; when an external client pushes the
// count past the cap, the oldest external client gives up its slot.
type ConnectionLimiter struct {
	mu          sync.Mutex
	maxExternal int
	// external client IDs in connection order, oldest first
	external []string
	// every tracked client, ID to remote IP
	byID map[string]string
}

// NewConnectionLimiter creates a limiter allowing maxExternal concurrent
// non-localhost connections.
func NewConnectionLimiter(maxExternal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxExternal: maxExternal,
		byID:        make(map[string]string),
	}
}

// TryAdd registers a connection and returns the ID of the client evicted
// to make room, or an empty string when nobody had to go.
func (cl *ConnectionLimiter) TryAdd(clientID, remoteIP string) (evictedID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.byID[clientID]; exists {
		return ""
	}

	cl.byID[clientID] = remoteIP

	if isLocalIP(remoteIP) {
		return ""
	}

	cl.external = append(cl.external, clientID)
	if len(cl.external) <= cl.maxExternal {
		return ""
	}

	evictedID = cl.external[0]
	cl.external = cl.external[1:]
	delete(cl.byID, evictedID)
	return evictedID
}

// Remove unregisters a client on disconnect.
func (cl *ConnectionLimiter) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	ip, exists := cl.byID[clientID]
	if !exists {
		return
	}
	delete(cl.byID, clientID)

	if isLocalIP(ip) {
		return
	}
	for i, id := range cl.external {
		if id == clientID {
			cl.external = append(cl.external[:i], cl.external[i+1:]...)
			break
		}
	}
}

// isLocalIP reports whether the IP address is localhost.
func isLocalIP(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1"
}
