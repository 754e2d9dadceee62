package reqtable

import "time"

// sleepInterruptible blocks for d or until the upstream's condition is
// signaled (a new request arrives, or Stop is called), whichever is
// first. It takes u.mu itself, so the caller must not hold it. Reusing
// the condition new requests signal avoids a second synchronization
// primitive.
func (u *Upstream) sleepInterruptible(d time.Duration) {
	if d <= 0 {
		return
	}
	u.mu.Lock()
	u.waitUntilLocked(time.Now().Add(d))
	u.mu.Unlock()
}

// reconnect implements the reconnect protocol. It blocks for the
// backoff interval (honoring the schedule below), then attempts one
// connect via u.dialer, which internally iterates the upstream's
// resolved addresses, performs the TLS handshake, and verifies the
// peer certificate's CN. Returns (nil, false) on shutdown or a failed
// attempt; the writer loop simply retries on its next iteration.
func (u *Upstream) reconnect() (Conn, bool) {
	u.mu.Lock()
	switch {
	case u.connectionOK:
		u.connectionOK = false
		u.mu.Unlock()
		u.sleepInterruptible(10 * time.Second)
	case u.lastConnectAttempt.IsZero():
		u.lastConnectAttempt = time.Now()
		u.mu.Unlock()
	default:
		elapsed := time.Since(u.lastConnectAttempt)
		switch {
		case elapsed < 5*time.Second:
			u.mu.Unlock()
			u.sleepInterruptible(10 * time.Second)
		case elapsed < 300*time.Second:
			u.mu.Unlock()
			u.sleepInterruptible(elapsed)
		case elapsed < 100000*time.Second:
			u.mu.Unlock()
			u.sleepInterruptible(600 * time.Second)
		default:
			u.lastConnectAttempt = time.Now()
			u.mu.Unlock()
		}
	}

	select {
	case <-u.shutdown:
		return nil, false
	default:
	}

	u.mu.Lock()
	attemptMark := u.lastConnectAttempt
	u.mu.Unlock()

	conn, err := u.dialer()
	if err != nil {
		u.log.WithError(err).Warn("reconnect failed")
		return nil, false
	}

	u.mu.Lock()
	if u.lastConnectAttempt != attemptMark && u.connectionOK {
		// Another task already reconnected first; yield to it.
		u.mu.Unlock()
		return nil, false
	}
	u.lastConnectAttempt = time.Now()
	u.connectionOK = true
	u.mu.Unlock()

	if u.metrics != nil {
		u.metrics.RecordStreamReconnect(u.Server.Name)
	}
	u.log.Info("reconnected")
	return conn, true
}
