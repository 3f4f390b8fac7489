package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/rvickery/taleturn/internal/observe"
	"github.com/rvickery/taleturn/pkg/game"
)

// RewindResult summarises an applied rewind.
type RewindResult struct {
	TargetTurnID     int64
	DeletedTurns     int64
	DeletedSnapshots int64

	// RowVersion is the campaign row version after the rewind commit.
	RowVersion int
}

// RewindToTurn restores the campaign to the snapshot bound to targetTurnID
// and prunes everything after it: turns, snapshots and embedding rows. The
// memory visibility watermark is set to the target, the active timer is
// cancelled, and a memory-prune event is emitted for external caches.
//
// The whole rewind is one transaction fenced by the campaign row version: a
// concurrent turn commit surfaces as [game.ErrCASConflict] and leaves the
// campaign untouched.
func (e *Engine) RewindToTurn(ctx context.Context, campaignID string, targetTurnID int64) (*RewindResult, error) {
	ctx, span := observe.StartSpan(ctx, "engine.rewind")
	defer span.End()

	now := e.clock().UTC()
	res := &RewindResult{TargetTurnID: targetTurnID}

	err := e.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		c, err := uow.Campaigns().Get(ctx, campaignID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("engine: campaign %s: %w", campaignID, game.ErrNotFound)
		}

		target, err := uow.Turns().Get(ctx, campaignID, targetTurnID)
		if err != nil {
			return err
		}
		if target == nil {
			return fmt.Errorf("engine: rewind target turn %d: %w", targetTurnID, game.ErrNotFound)
		}

		snap, err := uow.Snapshots().GetByCampaignTurn(ctx, campaignID, targetTurnID)
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("engine: rewind to turn %d: %w", targetTurnID, game.ErrNoSnapshot)
		}

		watermark := targetTurnID
		ok, err := uow.Campaigns().CASUpdate(ctx, campaignID, c.RowVersion, game.CampaignUpdate{
			Summary:                snap.CampaignSummary,
			State:                  snap.CampaignState,
			Characters:             snap.CampaignCharacters,
			LastNarration:          snap.LastNarration,
			MemoryVisibleMaxTurnID: &watermark,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("engine: rewind campaign %s: %w", campaignID, game.ErrCASConflict)
		}
		res.RowVersion = c.RowVersion + 1

		if err := restorePlayers(ctx, uow, campaignID, snap); err != nil {
			return err
		}

		if res.DeletedTurns, err = uow.Turns().DeleteAfter(ctx, campaignID, targetTurnID); err != nil {
			return err
		}
		if res.DeletedSnapshots, err = uow.Snapshots().DeleteAfterTurn(ctx, campaignID, targetTurnID); err != nil {
			return err
		}
		if _, err := uow.Embeddings().DeleteAfterTurn(ctx, campaignID, targetTurnID); err != nil {
			return err
		}

		// A timer scheduled after the target refers to pruned narrative.
		if _, err := uow.Timers().CancelActive(ctx, campaignID, now); err != nil {
			return err
		}

		payload, err := json.Marshal(map[string]any{
			"campaign_id":         campaignID,
			"max_visible_turn_id": targetTurnID,
		})
		if err != nil {
			return fmt.Errorf("engine: marshal prune payload: %w", err)
		}
		return uow.Outbox().Add(ctx, &game.OutboxEvent{
			CampaignID:     campaignID,
			SessionScope:   game.SessionScopeNone,
			EventType:      game.EventMemoryPruneRequested,
			IdempotencyKey: strconv.FormatInt(targetTurnID, 10),
			Payload:        payload,
		})
	})
	if err != nil {
		return nil, err
	}

	e.metrics.RewindsApplied.Add(ctx, 1)
	e.log.InfoContext(ctx, "campaign rewound",
		"campaign_id", campaignID,
		"target_turn_id", targetTurnID,
		"deleted_turns", res.DeletedTurns)
	return res, nil
}

// RewindToMessage resolves a surface message id to its narration turn and
// rewinds to it. Both the narration's own message id and the id of the user
// message that produced it are accepted.
func (e *Engine) RewindToMessage(ctx context.Context, campaignID, messageID string) (*RewindResult, error) {
	var targetTurnID int64
	err := e.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		t, err := uow.Turns().GetByExternalMessageID(ctx, campaignID, messageID)
		if err != nil {
			return err
		}
		if t == nil {
			if t, err = uow.Turns().GetByExternalUserMessageID(ctx, campaignID, messageID); err != nil {
				return err
			}
		}
		if t == nil {
			return fmt.Errorf("engine: no turn for message %q: %w", messageID, game.ErrNotFound)
		}
		targetTurnID = t.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.RewindToTurn(ctx, campaignID, targetTurnID)
}

// restorePlayers overwrites the current player rows with the snapshot's
// projection. Players created after the snapshot keep their rows; the
// snapshot simply does not mention them.
func restorePlayers(ctx context.Context, uow game.UnitOfWork, campaignID string, snap *game.Snapshot) error {
	var envelope game.SnapshotPlayers
	if err := json.Unmarshal(snap.Players, &envelope); err != nil {
		return fmt.Errorf("engine: decode snapshot players: %w", err)
	}
	for _, sp := range envelope.Players {
		p, err := uow.Players().GetByCampaignActor(ctx, campaignID, sp.ActorID)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		p.Level = sp.Level
		p.XP = sp.XP
		p.Attributes = sp.Attributes
		p.State = sp.State
		if err := uow.Players().Update(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
