package engine

import (
	"context"

	"github.com/rvickery/taleturn/pkg/game"
)

// GetOrCreateCampaign looks a campaign up by its normalized name within a
// namespace, creating it when absent. The raw name is preserved on the row;
// lookups always go through [game.NormalizeCampaignName].
func (e *Engine) GetOrCreateCampaign(ctx context.Context, namespace, name, createdByActorID string) (*game.Campaign, error) {
	normalized := game.NormalizeCampaignName(name)

	var out *game.Campaign
	err := e.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		c, err := uow.Campaigns().GetByName(ctx, namespace, normalized)
		if err != nil {
			return err
		}
		if c != nil {
			out = c
			return nil
		}
		c = &game.Campaign{
			Namespace:        namespace,
			Name:             name,
			NameNormalized:   normalized,
			CreatedByActorID: createdByActorID,
		}
		if err := uow.Campaigns().Create(ctx, c); err != nil {
			return err
		}
		e.log.InfoContext(ctx, "campaign created",
			"campaign_id", c.ID, "namespace", namespace, "name_normalized", normalized)
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureActor resolves an external identity to an actor, creating the actor
// and the identity link on first contact.
func (e *Engine) EnsureActor(ctx context.Context, provider, externalID, displayName string) (*game.Actor, error) {
	var out *game.Actor
	err := e.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		a, err := uow.Actors().GetByExternalRef(ctx, provider, externalID)
		if err != nil {
			return err
		}
		if a != nil {
			out = a
			return nil
		}
		a = &game.Actor{DisplayName: displayName, Kind: "human"}
		if err := uow.Actors().Create(ctx, a); err != nil {
			return err
		}
		if err := uow.Actors().AddExternalRef(ctx, &game.ActorExternalRef{
			ActorID:    a.ID,
			Provider:   provider,
			ExternalID: externalID,
		}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterNarrationMessage records the surface message ids of a posted
// narration and, when a timer was scheduled by that turn, binds the timer to
// the message so a later edit can replace it.
func (e *Engine) RegisterNarrationMessage(ctx context.Context, campaignID string, narrationTurnID int64, messageID, userMessageID, channelID, threadID string) error {
	return e.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		if err := uow.Turns().SetExternalIDs(ctx, narrationTurnID, messageID, userMessageID); err != nil {
			return err
		}
		timer, err := uow.Timers().GetActive(ctx, campaignID)
		if err != nil {
			return err
		}
		if timer == nil || timer.Status != game.TimerScheduledUnbound {
			return nil
		}
		_, err = uow.Timers().Attach(ctx, timer.ID, messageID, channelID, threadID)
		return err
	})
}
