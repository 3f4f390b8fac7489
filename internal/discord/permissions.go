package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user has the game-master role
// before executing privileged slash commands such as /rewind.
type PermissionChecker struct {
	gmRoleID string
}

// NewPermissionChecker creates a PermissionChecker with the given GM role ID.
func NewPermissionChecker(gmRoleID string) *PermissionChecker {
	return &PermissionChecker{gmRoleID: gmRoleID}
}

// IsGameMaster checks whether the interaction author has the configured GM
// role. If gmRoleID is empty, all users are treated as game masters (useful
// for development). Returns false if the interaction has no Member (e.g., DM
// channel interactions).
func (p *PermissionChecker) IsGameMaster(i *discordgo.InteractionCreate) bool {
	if p.gmRoleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, p.gmRoleID)
}
