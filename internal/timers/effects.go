package timers

import (
	"context"
	"fmt"

	"github.com/rvickery/taleturn/pkg/game"
)

// StoreEffects is the built-in [Effects] implementation: it records the
// fired event as a system turn in the campaign log. Surfaces layer their own
// delivery on top of this via a composite effects port.
type StoreEffects struct {
	store game.Store
}

// NewStoreEffects returns a StoreEffects over store.
func NewStoreEffects(store game.Store) *StoreEffects {
	return &StoreEffects{store: store}
}

var _ Effects = (*StoreEffects)(nil)

// TimerFired appends the timer's event text as a system turn. Replays are
// deduplicated through the turn meta carrying the timer id.
func (e *StoreEffects) TimerFired(ctx context.Context, t game.Timer) error {
	err := e.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		existing, err := uow.Turns().Recent(ctx, t.CampaignID, 8)
		if err != nil {
			return err
		}
		marker := fmt.Sprintf(`{"timer_id":%q}`, t.ID)
		for _, turn := range existing {
			if turn.Kind == game.TurnSystem && string(turn.Meta) == marker {
				return nil
			}
		}
		return uow.Turns().Append(ctx, &game.Turn{
			CampaignID: t.CampaignID,
			SessionID:  t.SessionID,
			Kind:       game.TurnSystem,
			Content:    t.EventText,
			Meta:       []byte(marker),
		})
	})
	if err != nil {
		return fmt.Errorf("timers: record fired event: %w", err)
	}
	return nil
}

// Multi fans one fired timer out to several effects in order, stopping at the
// first error.
func Multi(effects ...Effects) Effects {
	return EffectsFunc(func(ctx context.Context, t game.Timer) error {
		for _, e := range effects {
			if err := e.TimerFired(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}
