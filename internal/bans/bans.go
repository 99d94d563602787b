package bans

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

type BanType string

const (
	BanTypeIP       BanType = "ip"
	BanTypeUsername BanType = "username"
)

const configIssuer = "config"

type Ban struct {
	Type      BanType   `json:"type"`
	Target    string    `json:"target"`
	Reason    string    `json:"reason"`
	BannedBy  string    `json:"banned_by"`
	BannedAt  time.Time `json:"banned_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (b *Ban) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

func (b *Ban) expired(now time.Time) bool {
	return !b.Permanent() && now.After(b.ExpiresAt)
}

type key struct {
	kind   BanType
	target string
}

// Manager answers ban lookups. Bans listed in the config file are fixed for
// the life of the process; bans issued at runtime are written to filePath.
type Manager struct {
	fixed    map[key]*Ban
	issued   map[key]*Ban
	filePath string
	now      func() time.Time
	mu       sync.RWMutex
}

func NewManager(filePath string, bannedIPs, bannedUsers map[string]string) *Manager {
	m := &Manager{
		fixed:    make(map[key]*Ban),
		issued:   make(map[key]*Ban),
		filePath: filePath,
		now:      time.Now,
	}

	for ip, reason := range bannedIPs {
		k := key{BanTypeIP, normalizeIP(ip)}
		m.fixed[k] = &Ban{Type: BanTypeIP, Target: k.target, Reason: reason, BannedBy: configIssuer}
	}
	for name, reason := range bannedUsers {
		k := key{BanTypeUsername, normalizeName(name)}
		m.fixed[k] = &Ban{Type: BanTypeUsername, Target: name, Reason: reason, BannedBy: configIssuer}
	}

	return m
}

func normalizeIP(ip string) string {
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return ip
}

func normalizeName(name string) string {
	return strings.ToLower(name)
}

func (m *Manager) Load() error {
	if m.filePath == "" {
		return nil
	}

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read bans file: %w", err)
	}

	var list []*Ban
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse bans file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.issued = make(map[key]*Ban, len(list))
	for _, ban := range list {
		if ban.Target == "" || ban.expired(now) {
			continue
		}
		switch ban.Type {
		case BanTypeIP:
			m.issued[key{BanTypeIP, normalizeIP(ban.Target)}] = ban
		case BanTypeUsername:
			m.issued[key{BanTypeUsername, normalizeName(ban.Target)}] = ban
		}
	}

	return nil
}

func (m *Manager) lookup(k key) (*Ban, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if ban, ok := m.fixed[k]; ok {
		return ban, true
	}
	if ban, ok := m.issued[k]; ok && !ban.expired(m.now()) {
		return ban, true
	}
	return nil, false
}

func (m *Manager) IsBanned(ip string) (bool, *Ban) {
	ban, ok := m.lookup(key{BanTypeIP, normalizeIP(ip)})
	return ok, ban
}

func (m *Manager) IsBannedByName(name string) (bool, *Ban) {
	ban, ok := m.lookup(key{BanTypeUsername, normalizeName(name)})
	return ok, ban
}

func (m *Manager) add(kind BanType, target, reason, bannedBy string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	ban := &Ban{
		Type:     kind,
		Target:   target,
		Reason:   reason,
		BannedBy: bannedBy,
		BannedAt: now,
	}
	if duration > 0 {
		ban.ExpiresAt = now.Add(duration)
	}

	k := key{kind, target}
	if kind == BanTypeIP {
		k.target = normalizeIP(target)
	} else {
		k.target = normalizeName(target)
	}
	m.issued[k] = ban

	return m.saveLocked()
}

// AddBan bans an address. A zero duration never expires.
func (m *Manager) AddBan(ip, reason, bannedBy string, duration time.Duration) error {
	return m.add(BanTypeIP, ip, reason, bannedBy, duration)
}

func (m *Manager) AddBanByName(name, reason, bannedBy string, duration time.Duration) error {
	return m.add(BanTypeUsername, name, reason, bannedBy, duration)
}

// RemoveBan lifts a runtime ban. Bans from the config file stay.
func (m *Manager) RemoveBan(ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.issued, key{BanTypeIP, normalizeIP(ip)})
	return m.saveLocked()
}

func (m *Manager) RemoveBanByName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.issued, key{BanTypeUsername, normalizeName(name)})
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if m.filePath == "" {
		return nil
	}

	list := make([]*Ban, 0, len(m.issued))
	for _, ban := range m.issued {
		list = append(list, ban)
	}
	slices.SortFunc(list, func(a, b *Ban) int { return a.BannedAt.Compare(b.BannedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal bans: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create bans directory: %w", err)
	}
	if err := os.WriteFile(m.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write bans file: %w", err)
	}

	return nil
}

func (m *Manager) GetAll() []*Ban {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	list := make([]*Ban, 0, len(m.fixed)+len(m.issued))
	for _, ban := range m.fixed {
		list = append(list, ban)
	}
	for _, ban := range m.issued {
		if !ban.expired(now) {
			list = append(list, ban)
		}
	}
	slices.SortFunc(list, func(a, b *Ban) int {
		if c := strings.Compare(string(a.Type), string(b.Type)); c != 0 {
			return c
		}
		return strings.Compare(a.Target, b.Target)
	})

	return list
}

// Cleanup drops expired runtime bans and rewrites the file.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, ban := range m.issued {
		if ban.expired(now) {
			delete(m.issued, k)
		}
	}

	return m.saveLocked()
}
