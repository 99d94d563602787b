package session

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync"

	"github.com/siohaza/oxine/internal/bans"
	"github.com/siohaza/oxine/internal/world"
	"github.com/siohaza/oxine/pkg/config"
)

var (
	ErrAlreadyConnected = errors.New("player is already connected")
	ErrNotConnected     = errors.New("player is not connected")
	ErrUnknownWorld     = errors.New("unknown world")
	ErrFull             = errors.New("server is full")
)

const saltBytes = 16

type Entry struct {
	Name  string
	World string
	ID    int8
}

// Registry is the server wide view of worlds and connected players. Player
// names are matched without regard to case.
type Registry struct {
	cfg       *config.Config
	worlds    map[string]*world.World
	bans      *bans.Manager
	salts     []string
	players   map[string]Entry
	operators map[string]bool
	logger    *slog.Logger
	mu        sync.RWMutex
}

func New(cfg *config.Config, worlds []*world.World, banManager *bans.Manager, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if banManager == nil {
		banManager = bans.NewManager("", cfg.BannedIPs, cfg.BannedUsers)
	}

	r := &Registry{
		cfg:       cfg,
		worlds:    make(map[string]*world.World, len(worlds)),
		bans:      banManager,
		players:   make(map[string]Entry),
		operators: make(map[string]bool, len(cfg.Operators)),
		logger:    logger,
	}

	for _, w := range worlds {
		if _, dup := r.worlds[w.Name()]; dup {
			return nil, fmt.Errorf("duplicate world name: %s", w.Name())
		}
		r.worlds[w.Name()] = w
	}
	for _, name := range cfg.Operators {
		r.operators[nameKey(name)] = true
	}

	return r, nil
}

func nameKey(name string) string {
	return strings.ToLower(name)
}

func (r *Registry) Config() *config.Config { return r.cfg }

func (r *Registry) Bans() *bans.Manager { return r.bans }

func (r *Registry) World(name string) (*world.World, bool) {
	w, ok := r.worlds[name]
	return w, ok
}

func (r *Registry) DefaultWorld() (*world.World, bool) {
	return r.World(r.cfg.DefaultWorld)
}

func (r *Registry) WorldNames() []string {
	names := make([]string, 0, len(r.worlds))
	for name := range r.worlds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Register records a player that has joined worldName with the given id.
// The caller checks for duplicates and capacity first; the errors only
// cover a login racing another one.
func (r *Registry) Register(username, worldName string, id int8) error {
	if _, ok := r.worlds[worldName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, worldName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := nameKey(username)
	if _, exists := r.players[k]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, username)
	}
	if r.cfg.MaxPlayers > 0 && len(r.players) >= r.cfg.MaxPlayers {
		return ErrFull
	}
	r.players[k] = Entry{Name: username, World: worldName, ID: id}

	return nil
}

// Transfer moves a registered player to another world and id.
func (r *Registry) Transfer(username, worldName string, id int8) error {
	if _, ok := r.worlds[worldName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, worldName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := nameKey(username)
	entry, ok := r.players[k]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, username)
	}
	entry.World = worldName
	entry.ID = id
	r.players[k] = entry

	return nil
}

// Disconnect forgets a player and frees its slot in the owning world. It is
// safe to call for players that are not connected.
func (r *Registry) Disconnect(username string) bool {
	r.mu.Lock()
	k := nameKey(username)
	entry, ok := r.players[k]
	if ok {
		delete(r.players, k)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if w, found := r.worlds[entry.World]; found {
		w.RemovePlayer(entry.ID)
	}
	r.logger.Debug("player removed from registry", "name", entry.Name, "world", entry.World, "id", entry.ID)

	return true
}

func (r *Registry) Lookup(username string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.players[nameKey(username)]
	return entry, ok
}

func (r *Registry) Players() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Entry, 0, len(r.players))
	for _, entry := range r.players {
		list = append(list, entry)
	}
	slices.SortFunc(list, func(a, b Entry) int { return strings.Compare(nameKey(a.Name), nameKey(b.Name)) })
	return list
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players)
}

// Full reports whether max_players has been reached. A limit of 0 means
// the server never fills up.
func (r *Registry) Full() bool {
	if r.cfg.MaxPlayers == 0 {
		return false
	}
	return r.Count() >= r.cfg.MaxPlayers
}

// IssueSalt creates a fresh login salt from rng and remembers it, dropping
// the oldest salt once kept_salts are held.
func (r *Registry) IssueSalt(rng io.Reader) (string, error) {
	var raw [saltBytes]byte
	if _, err := io.ReadFull(rng, raw[:]); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	salt := new(big.Int).SetBytes(raw[:]).Text(62)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cfg.KeptSalts > 0 {
		r.salts = append(r.salts, salt)
		if over := len(r.salts) - r.cfg.KeptSalts; over > 0 {
			r.salts = slices.Delete(r.salts, 0, over)
		}
	}

	return salt, nil
}

// Salts returns the remembered salts, oldest first.
func (r *Registry) Salts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.salts)
}

// Verify checks a login key against every remembered salt, since clients
// may still hold a salt from an earlier heartbeat. With kept_salts set to 0
// every key is accepted.
func (r *Registry) Verify(username, key string) bool {
	if r.cfg.KeptSalts == 0 {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	given := []byte(strings.ToLower(key))
	for _, salt := range r.salts {
		if subtle.ConstantTimeCompare(given, []byte(LoginKey(salt, username))) == 1 {
			return true
		}
	}
	return false
}

// LoginKey is the key a directory hands out for salt and username.
func LoginKey(salt, username string) string {
	sum := md5.Sum([]byte(salt + username))
	return hex.EncodeToString(sum[:])
}

// CheckBan returns the reason the address or name is banned.
func (r *Registry) CheckBan(ip, username string) (string, bool) {
	if banned, ban := r.bans.IsBanned(ip); banned {
		return ban.Reason, true
	}
	if banned, ban := r.bans.IsBannedByName(username); banned {
		return ban.Reason, true
	}
	return "", false
}

func (r *Registry) IsOperator(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.operators[nameKey(username)]
}

func (r *Registry) SetOperator(username string, op bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if op {
		r.operators[nameKey(username)] = true
	} else {
		delete(r.operators, nameKey(username))
	}
}
