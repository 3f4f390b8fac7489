// Package actors resolves player-supplied mentions and names to actor ids.
// Two paths exist: an exact lookup through the external identity table for
// surface mentions like <@123456>, and a fuzzy display-name match over the
// campaign's roster for free-text names.
package actors

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/rvickery/taleturn/internal/engine"
	"github.com/rvickery/taleturn/pkg/game"
)

// minNameSimilarity is the Jaro-Winkler score a display name must reach to
// count as a match.
const minNameSimilarity = 0.85

// discordMention matches <@123> and <@!123>.
var discordMention = regexp.MustCompile(`^<@!?(\d+)>$`)

// Resolver implements [engine.ActorResolver] over a [game.Store].
type Resolver struct {
	store    game.Store
	provider string
}

var _ engine.ActorResolver = (*Resolver)(nil)

// NewResolver returns a Resolver that resolves surface mentions against the
// given identity provider (e.g. "discord").
func NewResolver(store game.Store, provider string) *Resolver {
	return &Resolver{store: store, provider: provider}
}

// Resolve maps mention to an actor id within the campaign. Surface mentions
// resolve through the external identity table; anything else is matched
// fuzzily against the display names of the campaign's actors. An empty id
// with nil error means no confident match.
func (r *Resolver) Resolve(ctx context.Context, campaignID, mention string) (string, error) {
	mention = strings.TrimSpace(mention)
	if mention == "" {
		return "", nil
	}

	if m := discordMention.FindStringSubmatch(mention); m != nil {
		return r.resolveExternal(ctx, m[1])
	}
	return r.resolveByName(ctx, campaignID, mention)
}

func (r *Resolver) resolveExternal(ctx context.Context, externalID string) (string, error) {
	var id string
	err := r.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		a, err := uow.Actors().GetByExternalRef(ctx, r.provider, externalID)
		if err != nil {
			return err
		}
		if a != nil {
			id = a.ID
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("actors: resolve external %q: %w", externalID, err)
	}
	return id, nil
}

func (r *Resolver) resolveByName(ctx context.Context, campaignID, name string) (string, error) {
	var roster []game.Actor
	err := r.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		var err error
		roster, err = uow.Actors().ListByCampaign(ctx, campaignID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("actors: list campaign roster: %w", err)
	}

	id, _ := BestMatch(name, roster)
	return id, nil
}

// BestMatch returns the actor whose display name is closest to name by
// Jaro-Winkler similarity, provided the score reaches the confidence
// threshold. Ties go to the earlier roster entry.
func BestMatch(name string, roster []game.Actor) (actorID string, score float64) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return "", 0
	}
	for _, a := range roster {
		candidate := strings.ToLower(strings.TrimSpace(a.DisplayName))
		if candidate == "" {
			continue
		}
		s := matchr.JaroWinkler(needle, candidate, true)
		if s > score {
			score = s
			actorID = a.ID
		}
	}
	if score < minNameSimilarity {
		return "", score
	}
	return actorID, score
}
