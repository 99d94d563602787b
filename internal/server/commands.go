package server

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/siohaza/oxine/internal/protocol"
	"github.com/siohaza/oxine/internal/session"
	"github.com/siohaza/oxine/internal/validation"
	"github.com/siohaza/oxine/internal/vote"
	"github.com/siohaza/oxine/internal/world"
	"github.com/siohaza/oxine/pkg/lua"
)

var _ lua.ServerInterface = (*Server)(nil)

func (s *Server) broadcastChat(message string) {
	lines := wrapChat(message)
	for _, name := range s.registry.WorldNames() {
		w, ok := s.registry.World(name)
		if !ok {
			continue
		}
		for _, line := range lines {
			w.Broadcast(protocol.ChatMessage{ID: protocol.SelfID, Text: line})
		}
	}
}

func (s *Server) SendMessage(name, message string) bool {
	c, ok := s.findPlayer(name)
	if !ok {
		return false
	}
	c.sendChat(message)
	return true
}

func (s *Server) Broadcast(message string) {
	s.broadcastChat(message)
}

func (s *Server) Kick(name, reason string) bool {
	c, ok := s.findPlayer(name)
	if !ok {
		return false
	}
	queued := c.Do(func() { c.kick(reason, "kicked") })
	if queued {
		s.logger.Info("player kicked", "target", name, "reason", reason)
	}
	return queued
}

func (s *Server) Ban(name, reason, bannedBy string, duration time.Duration) error {
	if err := s.registry.Bans().AddBanByName(name, reason, bannedBy, duration); err != nil {
		return fmt.Errorf("failed to ban %s: %w", name, err)
	}

	s.logger.Info("player banned", "target", name, "reason", reason, "by", bannedBy, "duration", duration)
	if c, ok := s.findPlayer(name); ok {
		c.Do(func() { c.kick(reason, "banned") })
	}
	return nil
}

// SetOperator changes operator status and reports whether the player was
// online to be told about it.
func (s *Server) SetOperator(name string, operator bool) bool {
	s.registry.SetOperator(name, operator)
	s.logger.Info("operator status changed", "target", name, "operator", operator)

	c, ok := s.findPlayer(name)
	if !ok {
		return false
	}
	c.setOperator(operator)
	return true
}

func (s *Server) GotoWorld(name, worldName string) error {
	w, ok := s.registry.World(worldName)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownWorld, worldName)
	}
	c, ok := s.findPlayer(name)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotConnected, name)
	}
	if !c.Do(func() { c.transfer(w) }) {
		return fmt.Errorf("player %s is busy", name)
	}
	return nil
}

func (s *Server) SetBlock(worldName string, x, y, z, block int) error {
	w, ok := s.registry.World(worldName)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrUnknownWorld, worldName)
	}
	for _, v := range []int{x, y, z} {
		if v < 0 || v > math.MaxUint16 {
			return fmt.Errorf("%w: %d %d %d", world.ErrOutOfBounds, x, y, z)
		}
	}
	if block < 0 || block > math.MaxUint8 {
		return fmt.Errorf("%w: %d", world.ErrInvalidBlock, block)
	}
	return w.SetBlock(protocol.Vec3[uint16]{X: uint16(x), Y: uint16(y), Z: uint16(z)}, byte(block))
}

// StartVotekick opens a vote to remove victim. It passes once enough of
// the other players agree, see votekick_percentage.
func (s *Server) StartVotekick(instigator, victim, reason string) error {
	target, ok := s.findPlayer(victim)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotConnected, victim)
	}
	reason = validation.SanitizeChat(strings.TrimSpace(reason))
	if reason == "" {
		reason = "no reason given"
	}

	v := vote.NewVotekick(instigator, target.name, reason, vote.VotekickConfig{
		Percentage:  s.config.VotekickPercent,
		BanDuration: s.config.VotekickBan.Std(),
		Duration:    s.votes.Timeout(),
		PublicVotes: true,
		OnSuccess: func(name, reason string, d time.Duration) {
			reason = "Votekicked: " + reason
			if d <= 0 {
				s.Kick(name, reason)
				return
			}
			if err := s.Ban(name, reason, "votekick", d); err != nil {
				s.logger.Error("failed to ban after votekick", "target", name, "error", err)
				s.Kick(name, reason)
			}
		},
		OnUpdate:       func(msg string) { s.broadcastChat("&e" + msg) },
		GetPlayerCount: s.registry.Count,
		IsProtected:    s.registry.IsOperator,
	})

	if err := s.votes.StartVote(v); err != nil {
		return err
	}
	s.logger.Info("votekick started", "instigator", instigator, "target", target.name, "reason", reason)
	return nil
}

func (s *Server) CastVote(voter string, yes bool) error {
	return s.votes.CastVote(voter, yes)
}

func (s *Server) CancelVote(name string) error {
	return s.votes.CancelVote(name, s.registry.IsOperator(name))
}

func (s *Server) VoteStatus() string {
	return s.votes.Status()
}

func (s *Server) Players() []lua.PlayerInfo {
	entries := s.registry.Players()
	players := make([]lua.PlayerInfo, 0, len(entries))
	for _, e := range entries {
		players = append(players, lua.PlayerInfo{
			Name:     e.Name,
			World:    e.World,
			ID:       e.ID,
			Operator: s.registry.IsOperator(e.Name),
		})
	}
	return players
}

func (s *Server) Worlds() []string {
	return s.registry.WorldNames()
}

func (s *Server) ServerName() string {
	return s.config.Name
}
