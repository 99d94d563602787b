package vote

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// minVotes is the fewest yes votes that can ever remove a player.
const minVotes = 2

type Votekick struct {
	instigator     string
	victim         string
	reason         string
	votes          map[string]bool
	startTime      time.Time
	active         bool
	percentage     int
	banDuration    time.Duration
	duration       time.Duration
	publicVotes    bool
	mu             sync.Mutex
	onSuccess      func(victim, reason string, banDuration time.Duration)
	onUpdate       func(string)
	getPlayerCount func() int
	isProtected    func(string) bool
}

type VotekickConfig struct {
	Percentage     int
	BanDuration    time.Duration
	Duration       time.Duration
	PublicVotes    bool
	OnSuccess      func(victim, reason string, banDuration time.Duration)
	OnUpdate       func(string)
	GetPlayerCount func() int
	IsProtected    func(name string) bool
}

func NewVotekick(instigator, victim, reason string, config VotekickConfig) *Votekick {
	if config.Duration <= 0 {
		config.Duration = DefaultTimeout
	}
	return &Votekick{
		instigator:     instigator,
		victim:         victim,
		reason:         reason,
		votes:          make(map[string]bool),
		startTime:      time.Now(),
		percentage:     config.Percentage,
		banDuration:    config.BanDuration,
		duration:       config.Duration,
		publicVotes:    config.PublicVotes,
		onSuccess:      config.OnSuccess,
		onUpdate:       config.OnUpdate,
		getPlayerCount: config.GetPlayerCount,
		isProtected:    config.IsProtected,
	}
}

func (v *Votekick) Instigator() string {
	return v.instigator
}

func (v *Votekick) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.victim == "" {
		return fmt.Errorf("no player to votekick")
	}
	if strings.EqualFold(v.instigator, v.victim) {
		return fmt.Errorf("you cannot votekick yourself")
	}
	if v.isProtected != nil && v.isProtected(v.victim) {
		return fmt.Errorf("cannot votekick operators")
	}
	if v.eligibleVoters() < minVotes {
		return fmt.Errorf("not enough players to start a vote")
	}

	v.startTime = time.Now()
	v.votes[strings.ToLower(v.instigator)] = true
	v.active = true

	v.update(fmt.Sprintf("%s started a votekick against %s. Reason: %s", v.instigator, v.victim, v.reason))
	v.update(fmt.Sprintf("%d more votes needed (type /y to vote yes)", v.votesRemaining()))

	return nil
}

func (v *Votekick) CastVote(voter string, yes bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.active {
		return fmt.Errorf("vote is not active")
	}
	if strings.EqualFold(voter, v.victim) {
		return fmt.Errorf("you cannot vote on your own votekick")
	}

	key := strings.ToLower(voter)
	if _, voted := v.votes[key]; voted {
		return fmt.Errorf("you have already voted")
	}
	v.votes[key] = yes

	if v.publicVotes {
		choice := "no"
		if yes {
			choice = "yes"
		}
		v.update(fmt.Sprintf("%s voted %s", voter, choice))
	}

	if yes && v.votesRemaining() == 0 {
		v.succeed()
	} else {
		v.update(fmt.Sprintf("%d more votes needed", v.votesRemaining()))
	}

	return nil
}

func (v *Votekick) Cancel() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.active {
		return fmt.Errorf("vote is not active")
	}
	v.active = false
	v.update(fmt.Sprintf("Votekick against %s was cancelled", v.victim))

	return nil
}

func (v *Votekick) Update() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.active {
		return false
	}

	left := max(v.duration-time.Since(v.startTime), 0)
	v.update(fmt.Sprintf("Votekick in progress: %s (Reason: %s)", v.victim, v.reason))
	v.update(fmt.Sprintf("%d more votes needed, %d seconds remaining", v.votesRemaining(), int(left.Seconds())))

	return true
}

func (v *Votekick) IsActive() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active
}

func (v *Votekick) Status() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.active {
		return "No active vote"
	}

	return fmt.Sprintf("Votekick: %s (Reason: %s) - %d/%d votes, %d more needed",
		v.victim, v.reason, v.yesVotes(), v.requiredVotes(), v.votesRemaining())
}

func (v *Votekick) Timeout() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.active {
		return
	}
	v.active = false
	v.update("Votekick failed: not enough votes")
}

func (v *Votekick) update(msg string) {
	if v.onUpdate != nil {
		v.onUpdate(msg)
	}
}

// eligibleVoters counts everyone online except the victim.
func (v *Votekick) eligibleVoters() int {
	if v.getPlayerCount == nil {
		return 0
	}
	return v.getPlayerCount() - 1
}

func (v *Votekick) requiredVotes() int {
	eligible := v.eligibleVoters()
	required := (eligible*v.percentage + 99) / 100
	return max(required, minVotes)
}

func (v *Votekick) yesVotes() int {
	n := 0
	for _, yes := range v.votes {
		if yes {
			n++
		}
	}
	return n
}

func (v *Votekick) votesRemaining() int {
	return max(v.requiredVotes()-v.yesVotes(), 0)
}

func (v *Votekick) succeed() {
	v.active = false

	if v.banDuration > 0 {
		v.update(fmt.Sprintf("%s was banned for %s: %s", v.victim, v.banDuration, v.reason))
	} else {
		v.update(fmt.Sprintf("%s was kicked: %s", v.victim, v.reason))
	}

	if v.onSuccess != nil {
		v.onSuccess(v.victim, v.reason, v.banDuration)
	}
}
