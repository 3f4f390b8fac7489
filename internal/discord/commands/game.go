// Package commands implements the Taleturn slash commands: /rewind for
// game-master history edits, /inventory and /recap for players.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/rvickery/taleturn/internal/discord"
	"github.com/rvickery/taleturn/internal/engine"
	"github.com/rvickery/taleturn/pkg/game"
)

// commandTimeout bounds one command's store and engine work.
const commandTimeout = 30 * time.Second

// GameCommands holds the dependencies for the gameplay slash commands.
type GameCommands struct {
	perms  *discord.PermissionChecker
	store  game.Store
	engine *engine.Engine
}

// NewGameCommands creates a GameCommands handler.
func NewGameCommands(perms *discord.PermissionChecker, store game.Store, eng *engine.Engine) *GameCommands {
	return &GameCommands{perms: perms, store: store, engine: eng}
}

// Register registers the commands with the router.
func (gc *GameCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("rewind", &discordgo.ApplicationCommand{
		Name:        "rewind",
		Description: "Rewind the campaign to an earlier narration (game master only)",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "message",
				Description: "Message ID of the narration (or player message) to rewind to",
				Required:    true,
			},
		},
	}, gc.handleRewind)

	router.RegisterCommand("inventory", &discordgo.ApplicationCommand{
		Name:        "inventory",
		Description: "Show your character's inventory",
	}, gc.handleInventory)

	router.RegisterCommand("recap", &discordgo.ApplicationCommand{
		Name:        "recap",
		Description: "Show the campaign summary so far",
	}, gc.handleRecap)
}

// handleRewind rewinds the channel's campaign to the turn behind a message id.
func (gc *GameCommands) handleRewind(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !gc.perms.IsGameMaster(i) {
		discord.RespondEphemeral(s, i, "You need the game-master role to rewind the story.")
		return
	}

	messageID := optionString(i, "message")
	if messageID == "" {
		discord.RespondEphemeral(s, i, "Please provide a message ID.")
		return
	}

	discord.DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	campaign, err := gc.campaignForChannel(ctx, i)
	if err != nil {
		discord.FollowUp(s, i, "No campaign is running in this channel yet.")
		return
	}

	res, err := gc.engine.RewindToMessage(ctx, campaign.ID, messageID)
	switch {
	case errors.Is(err, game.ErrNotFound):
		discord.FollowUp(s, i, "No turn matches that message ID.")
	case errors.Is(err, game.ErrNoSnapshot):
		discord.FollowUp(s, i, "That turn has no saved state to restore; pick a narration message.")
	case errors.Is(err, game.ErrCASConflict):
		discord.FollowUp(s, i, "A turn resolved while rewinding. Try again.")
	case err != nil:
		slog.Error("rewind failed", "campaign_id", campaign.ID, "message_id", messageID, "err", err)
		discord.FollowUp(s, i, "Rewind failed. Try again in a moment.")
	default:
		discord.FollowUp(s, i, fmt.Sprintf(
			"Rewound to turn %d. Forgot %d turns.", res.TargetTurnID, res.DeletedTurns))
	}
}

// handleInventory shows the caller's inventory, ephemerally.
func (gc *GameCommands) handleInventory(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	campaign, err := gc.campaignForChannel(ctx, i)
	if err != nil {
		discord.RespondEphemeral(s, i, "No campaign is running in this channel yet.")
		return
	}

	player, err := gc.playerFor(ctx, campaign.ID, interactionUserID(i))
	if err != nil || player == nil {
		discord.RespondEphemeral(s, i, "You haven't taken a turn in this campaign yet.")
		return
	}

	discord.RespondEphemeral(s, i, engine.RenderInventory(player))
}

// handleRecap shows the running campaign summary.
func (gc *GameCommands) handleRecap(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	campaign, err := gc.campaignForChannel(ctx, i)
	if err != nil {
		discord.RespondEphemeral(s, i, "No campaign is running in this channel yet.")
		return
	}

	summary := campaign.Summary
	if summary == "" {
		summary = "The story has only just begun."
	}
	discord.RespondEmbed(s, i, &discordgo.MessageEmbed{
		Title:       "Campaign recap",
		Description: summary,
	})
}

// campaignForChannel looks up the campaign hosted by the interaction's
// channel. Campaign names on this surface are channel ids, namespaced by the
// guild.
func (gc *GameCommands) campaignForChannel(ctx context.Context, i *discordgo.InteractionCreate) (*game.Campaign, error) {
	var campaign *game.Campaign
	err := gc.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		var err error
		campaign, err = uow.Campaigns().GetByName(ctx, i.GuildID, game.NormalizeCampaignName(i.ChannelID))
		return err
	})
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, fmt.Errorf("commands: campaign for channel %s: %w", i.ChannelID, game.ErrNotFound)
	}
	return campaign, nil
}

// playerFor resolves the Discord user to their player row in the campaign.
func (gc *GameCommands) playerFor(ctx context.Context, campaignID, userID string) (*game.Player, error) {
	var player *game.Player
	err := gc.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		actor, err := uow.Actors().GetByExternalRef(ctx, "discord", userID)
		if err != nil || actor == nil {
			return err
		}
		player, err = uow.Players().GetByCampaignActor(ctx, campaignID, actor.ID)
		return err
	})
	return player, err
}

// optionString returns the named top-level string option, or "".
func optionString(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

// interactionUserID returns the acting user's id for guild and DM
// interactions alike.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
