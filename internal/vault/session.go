// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

package vault

import (
	"sync"
	"time"

	"github.com/tomtom215/dumpvault/internal/models"
)

// Lock reasons reported to the lock callback and audit log.
const (
	LockExplicit = "explicit"
	LockExpired  = "expired"
	LockShutdown = "shutdown"
)

// sessionState is the Unlocked half of the state machine. A nil
// *sessionState on Session means Locked.
type sessionState struct {
	key       []byte
	expiresAt time.Time
	active    int
	users     sync.WaitGroup
}

// Session holds the unwrapped master key for a sliding TTL.
type Session struct {
	mu     sync.Mutex
	ttl    time.Duration
	state  *sessionState
	timer  *time.Timer
	gen    uint64
	now    func() time.Time
	onLock func(reason string)

	// retiring tracks keys detached while still in use.
	retiring sync.WaitGroup
}

// NewSession creates a locked session. onLock, if non-nil, is called after
// every transition to Locked, without internal locks held.
func NewSession(ttl time.Duration, onLock func(reason string)) *Session {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Session{ttl: ttl, now: time.Now, onLock: onLock}
}

// TTL returns the idle window.
func (s *Session) TTL() time.Duration {
	return s.ttl
}

// install moves the session to Unlocked and takes ownership of key. A key
// already held is released first.
func (s *Session) install(key []byte) time.Time {
	pin(key)

	s.mu.Lock()
	old := s.detachLocked()
	s.state = &sessionState{key: key}
	expires := s.armLocked()
	s.retireLocked(old)
	s.mu.Unlock()
	return expires
}

// armLocked slides expiresAt and re-arms the expiry timer (mu held).
func (s *Session) armLocked() time.Time {
	s.gen++
	gen := s.gen
	s.state.expiresAt = s.now().Add(s.ttl)
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.ttl, func() { s.expire(gen) })
	return s.state.expiresAt
}

// detachLocked moves the session to Locked and returns the previous state
// for destruction outside the mutex (mu held).
func (s *Session) detachLocked() *sessionState {
	st := s.state
	s.state = nil
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return st
}

// retireLocked wipes a detached key (mu held). With no user inside With the
// wipe happens now; otherwise it happens in the background once the last
// user leaves, so the caller never waits on a long-running operation.
func (s *Session) retireLocked(st *sessionState) {
	if st == nil {
		return
	}
	if st.active == 0 {
		destroy(st)
		return
	}
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		st.users.Wait()
		destroy(st)
	}()
}

func destroy(st *sessionState) {
	wipe(st.key)
	unpin(st.key)
}

// Drain blocks until every key detached while in use has been wiped.
func (s *Session) Drain() {
	s.retiring.Wait()
}

// expire runs from the timer. A stale generation means the TTL was slid or
// the session relocked after this timer was armed. A key that is in use is
// not idle, so the window is slid instead.
func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if s.state == nil || gen != s.gen {
		s.mu.Unlock()
		return
	}
	if s.state.active > 0 {
		s.armLocked()
		s.mu.Unlock()
		return
	}
	st := s.detachLocked()
	s.retireLocked(st)
	s.mu.Unlock()
	s.notify(LockExpired)
}

// Lock moves the session to Locked at once: no new With call gets the key.
// The key is wiped immediately, or as soon as running With calls return.
// Lock is idempotent; the callback only fires when the session was
// actually unlocked.
func (s *Session) Lock(reason string) {
	s.mu.Lock()
	st := s.detachLocked()
	s.retireLocked(st)
	s.mu.Unlock()
	if st == nil {
		return
	}
	s.notify(reason)
}

func (s *Session) notify(reason string) {
	if s.onLock != nil {
		s.onLock(reason)
	}
}

// With runs fn with the key, sliding the TTL at entry and again at exit.
// It returns models.ErrVaultLocked when no key is held. The key must not
// be retained after fn returns.
func (s *Session) With(fn func(key []byte) error) error {
	s.mu.Lock()
	st := s.state
	if st == nil {
		s.mu.Unlock()
		return models.ErrVaultLocked
	}
	if !s.now().Before(st.expiresAt) {
		s.detachLocked()
		s.retireLocked(st)
		s.mu.Unlock()
		s.notify(LockExpired)
		return models.ErrVaultLocked
	}
	st.active++
	st.users.Add(1)
	s.armLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		st.active--
		if s.state == st {
			s.armLocked()
		}
		s.mu.Unlock()
		st.users.Done()
	}()
	return fn(st.key)
}

// Snapshot reports whether the session is unlocked and when it expires.
func (s *Session) Snapshot() (unlocked bool, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return false, time.Time{}
	}
	return true, s.state.expiresAt
}
