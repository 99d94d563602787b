package vote

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoActiveVote   = errors.New("no active vote")
	ErrVoteInProgress = errors.New("vote already in progress")
)

const (
	DefaultTimeout  = 120 * time.Second
	DefaultCooldown = 120 * time.Second
)

type Vote interface {
	Instigator() string
	Start() error
	CastVote(voter string, yes bool) error
	Cancel() error
	Update() bool
	IsActive() bool
	Status() string
	Timeout()
}

// Manager runs at most one vote at a time. A vote ends when it succeeds,
// is cancelled, its instigator leaves or its time runs out.
type Manager struct {
	active    Vote
	finished  chan struct{}
	cooldowns map[string]time.Time

	timeout  time.Duration
	cooldown time.Duration

	mu       sync.Mutex
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewManager(timeout, cooldown time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		cooldowns: make(map[string]time.Time),
		timeout:   timeout,
		cooldown:  cooldown,
		stopChan:  make(chan struct{}),
	}
}

func (m *Manager) Timeout() time.Duration { return m.timeout }

func (m *Manager) HasActiveVote() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil && m.active.IsActive()
}

func (m *Manager) StartVote(v Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.stopChan:
		return fmt.Errorf("votes are closed")
	default:
	}

	if m.active != nil && m.active.IsActive() {
		return ErrVoteInProgress
	}

	key := strings.ToLower(v.Instigator())
	if until, ok := m.cooldowns[key]; ok && time.Now().Before(until) {
		return fmt.Errorf("please wait %d seconds before starting another vote", int(time.Until(until).Seconds())+1)
	}

	if err := v.Start(); err != nil {
		return err
	}

	if !v.IsActive() {
		return nil
	}

	m.active = v
	m.finished = make(chan struct{})
	if m.cooldown > 0 {
		m.cooldowns[key] = time.Now().Add(m.cooldown)
	}

	m.wg.Add(1)
	go m.runVoteLoop(v, m.finished)

	return nil
}

func (m *Manager) runVoteLoop(v Vote, finished <-chan struct{}) {
	defer m.wg.Done()

	timeout := time.NewTimer(m.timeout)
	update := time.NewTicker(m.timeout / 4)
	defer timeout.Stop()
	defer update.Stop()

	for {
		select {
		case <-timeout.C:
			m.mu.Lock()
			if m.active == v {
				v.Timeout()
				m.clearLocked()
			}
			m.mu.Unlock()
			return

		case <-update.C:
			m.mu.Lock()
			if m.active == v && v.IsActive() {
				v.Update()
			}
			m.mu.Unlock()

		case <-finished:
			return

		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) clearLocked() {
	m.active = nil
	if m.finished != nil {
		close(m.finished)
		m.finished = nil
	}
}

func (m *Manager) CastVote(voter string, yes bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || !m.active.IsActive() {
		return ErrNoActiveVote
	}

	if err := m.active.CastVote(voter, yes); err != nil {
		return err
	}
	if !m.active.IsActive() {
		m.clearLocked()
	}
	return nil
}

// CancelVote ends the running vote on behalf of name. Only the instigator
// or an operator may do that.
func (m *Manager) CancelVote(name string, operator bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || !m.active.IsActive() {
		return ErrNoActiveVote
	}

	if !strings.EqualFold(m.active.Instigator(), name) && !operator {
		return fmt.Errorf("only the instigator or operators can cancel votes")
	}

	if err := m.active.Cancel(); err != nil {
		return err
	}

	m.clearLocked()
	return nil
}

func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return "No active vote"
	}
	return m.active.Status()
}

func (m *Manager) HandlePlayerDisconnect(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.IsActive() && strings.EqualFold(m.active.Instigator(), name) {
		m.active.Cancel()
		m.clearLocked()
	}
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		close(m.stopChan)
		m.mu.Unlock()
	})
	m.wg.Wait()
}
