package reqtable

import (
	"time"

	"github.com/radsecproxy/radsecproxy/internal/peers"
	"github.com/radsecproxy/radsecproxy/internal/radiuscrypto"
)

// writerLoop is the writer task. It owns the upstream's only live
// connection: for datagram upstreams that is the fixed Conn passed to
// New; for stream upstreams it lazily dials and redials via u.dialer,
// folding the reconnect backoff schedule into the same wait primitive
// used for expiry/status wakeups, rather than a separate blocking sleep.
func (u *Upstream) writerLoop() {
	defer u.wg.Done()

	for {
		select {
		case <-u.shutdown:
			return
		default:
		}

		u.mu.Lock()
		if !u.newRequest {
			wake := u.nearestWakeDeadlineLocked()
			u.waitUntilLocked(wake)
		}
		u.newRequest = false
		u.mu.Unlock()

		select {
		case <-u.shutdown:
			return
		default:
		}

		if u.Server.Transport == peers.TransportStream && u.conn == nil {
			conn, ok := u.reconnect()
			if !ok {
				continue
			}
			u.conn = conn
			u.wg.Add(1)
			go u.readerLoop(conn)
		}

		u.scanAndTransmit()
		u.maybeProbe()
	}
}

// nearestWakeDeadlineLocked computes how long the writer should sleep
// when it has nothing new to send: the nearest slot expiry, or (if
// Status-Server is enabled) the jittered status-server wakeup, capped
// at a 5-second fallback poll. Reconnect backoff is not part of this
// deadline; reconnect sleeps on its own. Caller must hold u.mu.
func (u *Upstream) nearestWakeDeadlineLocked() time.Time {
	now := time.Now()
	deadline := now.Add(5 * time.Second) // fallback poll interval

	for _, r := range u.slots {
		if r == nil || r.Received {
			continue
		}
		if r.Expiry.Before(deadline) {
			deadline = r.Expiry
		}
	}

	if u.Server.StatusServer {
		elapsed := now.Sub(u.lastSend)
		if elapsed >= StatusServerPeriod {
			return now
		}
		jitterSeconds := 0
		if b, err := radiuscrypto.JitterByte(); err != nil {
			u.log.WithError(err).Warn("status-server: jitter rng failure")
		} else {
			jitterSeconds = int(b) % statusServerJitterN
		}
		probeAt := u.lastSend.Add(StatusServerPeriod + time.Duration(jitterSeconds)*time.Second)
		if probeAt.Before(deadline) {
			deadline = probeAt
		}
	}

	return deadline
}

// waitUntilLocked blocks on u.cond until signaled or deadline, whichever
// comes first. Caller must hold u.mu; returns with u.mu held.
func (u *Upstream) waitUntilLocked(deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	timer := time.AfterFunc(d, func() {
		u.mu.Lock()
		u.cond.Broadcast()
		u.mu.Unlock()
	})
	u.cond.Wait()
	timer.Stop()
}

// scanAndTransmit scans every slot, recycles received/expired/exhausted
// entries, and retransmits the rest.
func (u *Upstream) scanAndTransmit() {
	now := time.Now()

	u.mu.Lock()
	var toSend [][]byte
	for i, r := range u.slots {
		if r == nil {
			continue
		}
		if r.Received {
			u.slots[i] = nil
			continue
		}
		if now.Before(r.Expiry) {
			continue
		}
		if r.Tries >= u.retryLimit(r) {
			if r.IsStatus {
				u.log.Warn("server dead: status-server probe exhausted retries")
				if u.metrics != nil {
					u.metrics.SetStatusServerUp(u.Server.Name, false)
				}
			} else if u.metrics != nil {
				u.metrics.RecordExpired(u.Server.Name)
			}
			u.slots[i] = nil
			continue
		}
		r.Expiry = u.nextExpiry(r, now)
		r.Tries++
		if r.Tries > 1 && u.metrics != nil {
			u.metrics.RecordRetry(u.Server.Name)
		}
		toSend = append(toSend, r.Buf)
	}
	if u.metrics != nil {
		u.metrics.SetTableOccupancy(u.Server.Name, u.occupied())
	}
	conn := u.conn
	u.mu.Unlock()

	if conn == nil {
		return
	}
	for _, buf := range toSend {
		if err := conn.Send(buf); err != nil {
			u.log.WithError(err).Warn("send failed")
			if u.Server.Transport == peers.TransportStream {
				u.mu.Lock()
				u.conn = nil
				u.connectionOK = false
				u.mu.Unlock()
				return
			}
			continue
		}
		u.mu.Lock()
		u.lastSend = time.Now()
		u.mu.Unlock()
		if u.metrics != nil {
			u.metrics.RecordForwarded(u.Server.Name)
		}
	}
}

// maybeProbe injects a Status-Server probe as an ordinary request-table
// entry once the probe period has elapsed.
func (u *Upstream) maybeProbe() {
	if !u.Server.StatusServer {
		return
	}
	u.mu.Lock()
	elapsed := time.Since(u.lastSend)
	u.mu.Unlock()
	if elapsed < StatusServerPeriod {
		return
	}

	buf := make([]byte, 38)
	buf[0] = 12 // Status-Server
	buf[2] = 0
	buf[3] = 38
	auth, err := radiuscrypto.NewAuthenticator()
	if err != nil {
		u.log.WithError(err).Warn("status-server: rng failure")
		return
	}
	copy(buf[4:20], auth[:])
	// Message-Authenticator attribute (type 80, length 18), value
	// recomputed by Sendrq once the slot ID is known.
	buf[20] = 80
	buf[21] = 18

	r := &Request{
		Buf:        buf,
		IsStatus:   true,
		Expiry:     time.Now(),
		EnqueuedAt: time.Now(),
	}
	if err := u.Sendrq(r); err != nil {
		u.log.WithError(err).Debug("status-server: table full, skipping probe")
	}
}
