package ws

import (
	"log"
	"time"
)

// HeartbeatConfig controls the server-side liveness probe.
type HeartbeatConfig struct {
	Interval time.Duration // how often pings are sent
	Timeout  time.Duration // grace after a ping before the connection is dropped
}

// DefaultHeartbeatConfig pings every 25s and evicts connections that stay
// silent past a further 20s grace.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 25 * time.Second,
		Timeout:  20 * time.Second,
	}
}

// StartHeartbeat launches the background goroutine that pings all connections
// on each tick and evicts the unresponsive ones. The goroutine exits when the
// server's done channel is closed.
func StartHeartbeat(s *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				sweepConnections(s, config)
			}
		}
	}()
}

// sweepConnections removes connections whose last inbound frame is older than
// Interval+Timeout and pings the rest. The activity timestamp is refreshed by
// any frame, so active clients never time out.
func sweepConnections(s *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("[ws] heartbeat timeout session=%s user=%s last_activity=%s ago",
				c.ID, c.UserID, idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("[ws] heartbeat ping failed session=%s: %v", c.ID, err)
			s.RemoveConnection(c)
		}
	}
}
