// Package engine implements turn resolution: the three-phase pipeline that
// turns a submitted player action into a committed narration, plus rewind and
// the campaign/player lifecycle operations around it.
//
// A turn runs as claim -> complete -> commit:
//
//   - Phase A (short transaction): claim the inflight lease and load a
//     consistent read snapshot of the campaign.
//   - Phase B (no transaction): retrieve memory, call the completion
//     provider, heartbeat the lease while waiting.
//   - Phase C (short transaction): re-validate the lease, commit all writes
//     behind a compare-and-swap on the campaign row version, release the
//     lease.
//
// No transaction is ever held across a model call.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rvickery/taleturn/internal/lease"
	"github.com/rvickery/taleturn/internal/observe"
	"github.com/rvickery/taleturn/pkg/game"
)

// minTimerDelay is the floor applied to model-requested timer delays.
const minTimerDelay = 30 * time.Second

// Engine resolves turns against a [game.Store].
type Engine struct {
	store      game.Store
	completion TextCompletion
	memory     MemorySearch
	resolver   ActorResolver
	indexer    MemoryIndexer
	leases     *lease.Manager

	clock              func() time.Time
	maxConflictRetries int
	recentWindow       int
	memoryTopK         int

	metrics *observe.Metrics
	log     *slog.Logger

	// beforeCommit, when set, runs between Phase B and Phase C of every
	// attempt. Tests use it to race concurrent writes against the commit.
	beforeCommit func(ctx context.Context, tc *TurnContext, attempt int)
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithMaxConflictRetries sets how many times a turn is re-resolved after a
// row-version conflict. Default 1.
func WithMaxConflictRetries(n int) Option {
	return func(e *Engine) { e.maxConflictRetries = n }
}

// WithRecentTurnWindow sets how many recent turns Phase A loads. Default 24.
func WithRecentTurnWindow(n int) Option {
	return func(e *Engine) { e.recentWindow = n }
}

// WithMemorySearch wires the semantic-memory retrieval port.
func WithMemorySearch(m MemorySearch, topK int) Option {
	return func(e *Engine) {
		e.memory = m
		e.memoryTopK = topK
	}
}

// WithActorResolver wires the mention/name resolution port used by give-item.
func WithActorResolver(r ActorResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithMemoryIndexer wires post-commit turn indexing.
func WithMemoryIndexer(ix MemoryIndexer) Option {
	return func(e *Engine) { e.indexer = ix }
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithBeforeCommitHook installs the test-only hook that runs between Phase B
// and Phase C.
func WithBeforeCommitHook(fn func(ctx context.Context, tc *TurnContext, attempt int)) Option {
	return func(e *Engine) { e.beforeCommit = fn }
}

// New returns an Engine. completion and leases are required; the remaining
// ports are optional and default to disabled.
func New(store game.Store, completion TextCompletion, leases *lease.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		completion:         completion,
		leases:             leases,
		clock:              time.Now,
		maxConflictRetries: 1,
		recentWindow:       24,
		memoryTopK:         6,
		metrics:            observe.DefaultMetrics(),
		log:                slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ResolveTurn resolves one player action end to end. On a row-version
// conflict the whole pipeline restarts from Phase A, up to the configured
// retry budget; [game.ErrCASConflict] escapes when the budget is exhausted.
func (e *Engine) ResolveTurn(ctx context.Context, in ResolveTurnInput) (*ResolveTurnResult, error) {
	ctx, span := observe.StartSpan(ctx, "engine.resolve_turn")
	defer span.End()

	start := e.clock()
	e.metrics.InflightTurns.Add(ctx, 1)
	defer e.metrics.InflightTurns.Add(ctx, -1)

	claimToken := uuid.NewString()

	var (
		res *ResolveTurnResult
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = e.resolveOnce(ctx, in, claimToken, attempt)
		if err == nil {
			break
		}
		if errors.Is(err, game.ErrCASConflict) {
			e.metrics.CASConflicts.Add(ctx, 1)
			if attempt < e.maxConflictRetries {
				// The retry re-claims from Phase A, so drop the current claim
				// first. On every other failure the lease is left to expire at
				// its TTL.
				e.releaseBestEffort(ctx, in, claimToken)
				e.log.InfoContext(ctx, "row version conflict, retrying turn",
					"campaign_id", in.CampaignID, "actor_id", in.ActorID, "attempt", attempt)
				continue
			}
		}
		break
	}

	e.metrics.TurnDuration.Record(ctx, e.clock().Sub(start).Seconds())
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, game.ErrLeaseHeld) {
			e.metrics.LeaseDenied.Add(ctx, 1)
		}
		e.metrics.RecordTurnResolved(ctx, "error")
		return nil, err
	}
	e.metrics.RecordTurnResolved(ctx, "ok")
	return res, nil
}

func (e *Engine) resolveOnce(ctx context.Context, in ResolveTurnInput, claimToken string, attempt int) (*ResolveTurnResult, error) {
	tc, err := e.phaseA(ctx, in, claimToken)
	if err != nil {
		return nil, err
	}

	out, err := e.phaseB(ctx, tc, claimToken)
	if err != nil {
		return nil, err
	}

	if e.beforeCommit != nil {
		e.beforeCommit(ctx, tc, attempt)
	}

	res, err := e.phaseC(ctx, tc, out, claimToken)
	if err != nil {
		return nil, err
	}

	e.indexNarration(ctx, tc, res)
	return res, nil
}

// phaseA claims the lease and assembles the read snapshot in one short
// transaction. A missing player row is created here so first-time actors can
// play without a separate onboarding step.
func (e *Engine) phaseA(ctx context.Context, in ResolveTurnInput, claimToken string) (*TurnContext, error) {
	var tc *TurnContext
	err := e.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		// The campaign row is read before any write so an unknown campaign
		// surfaces as ErrNotFound rather than a constraint violation from the
		// lease insert.
		c, err := uow.Campaigns().Get(ctx, in.CampaignID)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("engine: campaign %s: %w", in.CampaignID, game.ErrNotFound)
		}

		if err := e.leases.ClaimWithin(ctx, uow, in.CampaignID, in.ActorID, claimToken); err != nil {
			return err
		}

		p, err := uow.Players().GetByCampaignActor(ctx, in.CampaignID, in.ActorID)
		if err != nil {
			return err
		}
		if p == nil {
			p = &game.Player{CampaignID: in.CampaignID, ActorID: in.ActorID}
			if err := uow.Players().Create(ctx, p); err != nil {
				return err
			}
		}

		recent, err := uow.Turns().Recent(ctx, in.CampaignID, e.recentWindow)
		if err != nil {
			return err
		}

		timer, err := uow.Timers().GetActive(ctx, in.CampaignID)
		if err != nil {
			return err
		}

		tc = &TurnContext{
			CampaignID:      in.CampaignID,
			ActorID:         in.ActorID,
			SessionID:       in.SessionID,
			Action:          in.Action,
			Campaign:        c,
			Player:          p,
			RecentTurns:     recent,
			ActiveTimer:     timer,
			StartRowVersion: c.RowVersion,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tc, nil
}

// phaseB runs the long-latency work with no transaction open: memory
// retrieval and the completion call, with the lease heartbeating underneath.
func (e *Engine) phaseB(ctx context.Context, tc *TurnContext, claimToken string) (*TurnOutput, error) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.leases.KeepAlive(hbCtx, tc.CampaignID, tc.ActorID, claimToken)

	if e.memory != nil {
		hits, err := e.memory.Search(ctx, tc.CampaignID, tc.Action, e.memoryTopK)
		if err != nil {
			// Memory is an enrichment; a retrieval failure never fails the turn.
			e.log.WarnContext(ctx, "memory search failed",
				"campaign_id", tc.CampaignID, "error", err)
		} else {
			tc.MemoryHits = FilterMemoryHits(hits, tc.Campaign.MemoryVisibleMaxTurnID)
		}
	}

	start := e.clock()
	out, err := e.completion.CompleteTurn(ctx, tc)
	e.metrics.CompletionDuration.Record(ctx, e.clock().Sub(start).Seconds())
	if err != nil {
		if errors.Is(err, game.ErrBadModelOutput) {
			return nil, err
		}
		return nil, &game.PortError{Port: "completion", Err: err}
	}
	if out == nil || out.Narration == "" {
		return nil, fmt.Errorf("engine: empty narration: %w", game.ErrBadModelOutput)
	}
	return out, nil
}

// phaseC commits the whole turn in one short transaction, fenced by the lease
// and the campaign row version.
func (e *Engine) phaseC(ctx context.Context, tc *TurnContext, out *TurnOutput, claimToken string) (*ResolveTurnResult, error) {
	now := e.clock().UTC()
	res := &ResolveTurnResult{Narration: out.Narration}

	err := e.store.WithUnitOfWork(ctx, func(ctx context.Context, uow game.UnitOfWork) error {
		if err := e.leases.ValidateWithin(ctx, uow, tc.CampaignID, tc.ActorID, claimToken); err != nil {
			return err
		}

		// The CAS is the first write: if the campaign moved past the version
		// Phase A read, nothing else must be attempted.
		state := game.ApplyPatch(game.ParseObject(tc.Campaign.State), out.StateUpdate)
		characters := game.ApplyPatch(game.ParseObject(tc.Campaign.Characters), out.CharacterUpdates)
		summary := tc.Campaign.Summary
		if u := strings.TrimSpace(out.SummaryUpdate); u != "" {
			// The running summary accumulates; the model contributes
			// increments, never a rewrite.
			summary = strings.TrimSpace(summary + "\n" + u)
		}

		ok, err := uow.Campaigns().CASUpdate(ctx, tc.CampaignID, tc.StartRowVersion, game.CampaignUpdate{
			Summary:       summary,
			State:         game.DumpObject(state),
			Characters:    game.DumpObject(characters),
			LastNarration: out.Narration,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("engine: commit campaign %s: %w", tc.CampaignID, game.ErrCASConflict)
		}

		userTurn := &game.Turn{
			CampaignID: tc.CampaignID,
			SessionID:  tc.SessionID,
			ActorID:    tc.ActorID,
			Kind:       game.TurnUser,
			Content:    tc.Action,
		}
		if err := uow.Turns().Append(ctx, userTurn); err != nil {
			return err
		}

		narrationTurn := &game.Turn{
			CampaignID: tc.CampaignID,
			SessionID:  tc.SessionID,
			Kind:       game.TurnNarration,
			Content:    out.Narration,
		}
		if err := uow.Turns().Append(ctx, narrationTurn); err != nil {
			return err
		}
		res.UserTurnID = userTurn.ID
		res.NarrationTurnID = narrationTurn.ID

		// Player writes land before the snapshot so it captures every
		// projected row.
		if err := e.applyPlayerUpdate(ctx, uow, tc, out, now); err != nil {
			return err
		}

		var giveItemEvent *pendingEvent
		if out.GiveItem != nil {
			if giveItemEvent, err = e.applyGiveItem(ctx, uow, tc, out.GiveItem, narrationTurn.ID); err != nil {
				return err
			}
		}

		if err := e.writeSnapshot(ctx, uow, tc, narrationTurn.ID, summary, state, characters, out.Narration); err != nil {
			return err
		}

		// A player action interrupts an interruptible timer.
		if tc.ActiveTimer != nil && tc.ActiveTimer.Interruptible {
			if _, err := uow.Timers().CancelActive(ctx, tc.CampaignID, now); err != nil {
				return err
			}
			tc.ActiveTimer = nil
		}

		var timerEvent *pendingEvent
		if out.Timer != nil {
			if timerEvent, err = e.applyTimerInstruction(ctx, uow, tc, out.Timer, now); err != nil {
				return err
			}
		}

		// Outbox rows are the last writes, after every state transition.
		for _, ev := range []*pendingEvent{timerEvent, giveItemEvent} {
			if ev == nil {
				continue
			}
			if err := e.emit(ctx, uow, tc, ev.eventType, ev.key, ev.payload, res); err != nil {
				return err
			}
		}

		if out.SceneImagePrompt != "" {
			// The room key comes from the acting player's state as updated by
			// this turn, not the campaign blob.
			roomKey := RoomKey(game.ParseObject(tc.Player.State))
			key := fmt.Sprintf("scene_image:%d:%s", narrationTurn.ID, roomKey)
			if err := e.emit(ctx, uow, tc, game.EventSceneImageRequested, key, map[string]any{
				"prompt":            out.SceneImagePrompt,
				"room_key":          roomKey,
				"narration_turn_id": narrationTurn.ID,
			}, res); err != nil {
				return err
			}
		}

		return e.leases.ReleaseWithin(ctx, uow, tc.CampaignID, tc.ActorID, claimToken)
	})
	if err != nil {
		return nil, err
	}

	res.RowVersion = tc.StartRowVersion + 1
	return res, nil
}

func (e *Engine) applyPlayerUpdate(ctx context.Context, uow game.UnitOfWork, tc *TurnContext, out *TurnOutput, now time.Time) error {
	p := tc.Player
	if out.XPAwarded > 0 {
		p.XP += out.XPAwarded
	}
	if len(out.PlayerStateUpdate) > 0 {
		p.State = game.DumpObject(game.ApplyPatch(game.ParseObject(p.State), out.PlayerStateUpdate))
	}
	p.LastActiveAt = &now
	return uow.Players().Update(ctx, p)
}

// pendingEvent is an outbox write deferred until the end of the Phase C
// transaction so every emit lands after the state writes.
type pendingEvent struct {
	eventType string
	key       string
	payload   map[string]any
}

// applyGiveItem transfers the item when the target resolves to another player,
// and otherwise returns the give_item_unresolved event to emit. An unresolved
// target never fails the turn.
func (e *Engine) applyGiveItem(ctx context.Context, uow game.UnitOfWork, tc *TurnContext, gi *GiveItemInstruction, narrationTurnID int64) (*pendingEvent, error) {
	targetID := gi.TargetID
	if targetID == "" && e.resolver != nil && gi.Target != "" {
		id, err := e.resolver.Resolve(ctx, tc.CampaignID, gi.Target)
		if err != nil {
			e.log.WarnContext(ctx, "give-item target resolution failed",
				"campaign_id", tc.CampaignID, "target", gi.Target, "error", err)
		} else {
			targetID = id
		}
	}

	if targetID != "" && targetID != tc.ActorID {
		target, err := uow.Players().GetByCampaignActor(ctx, tc.CampaignID, targetID)
		if err != nil {
			return nil, err
		}
		if target != nil && TransferItem(tc.Player, target, gi.Item) {
			if err := uow.Players().Update(ctx, tc.Player); err != nil {
				return nil, err
			}
			return nil, uow.Players().Update(ctx, target)
		}
	}

	return &pendingEvent{
		eventType: game.EventGiveItemUnresolved,
		key:       fmt.Sprintf("give_item:%d", narrationTurnID),
		payload: map[string]any{
			"item":   gi.Item,
			"target": gi.Target,
		},
	}, nil
}

func (e *Engine) writeSnapshot(ctx context.Context, uow game.UnitOfWork, tc *TurnContext, narrationTurnID int64, summary string, state, characters map[string]any, narration string) error {
	players, err := uow.Players().ListByCampaign(ctx, tc.CampaignID)
	if err != nil {
		return err
	}
	envelope := game.SnapshotPlayers{Players: make([]game.SnapshotPlayer, 0, len(players))}
	for _, p := range players {
		envelope.Players = append(envelope.Players, game.SnapshotPlayer{
			PlayerID:   p.ID,
			ActorID:    p.ActorID,
			Level:      p.Level,
			XP:         p.XP,
			Attributes: p.Attributes,
			State:      p.State,
		})
	}
	playersJSON, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("engine: marshal snapshot players: %w", err)
	}

	return uow.Snapshots().Add(ctx, &game.Snapshot{
		TurnID:             narrationTurnID,
		CampaignID:         tc.CampaignID,
		CampaignState:      game.DumpObject(state),
		CampaignCharacters: game.DumpObject(characters),
		CampaignSummary:    summary,
		LastNarration:      narration,
		Players:            playersJSON,
	})
}

func (e *Engine) applyTimerInstruction(ctx context.Context, uow game.UnitOfWork, tc *TurnContext, ti *TimerInstruction, now time.Time) (*pendingEvent, error) {
	switch ti.Kind {
	case TimerCancel:
		_, err := uow.Timers().CancelActive(ctx, tc.CampaignID, now)
		return nil, err

	case TimerSchedule:
		// A new schedule replaces whatever is active.
		if _, err := uow.Timers().CancelActive(ctx, tc.CampaignID, now); err != nil {
			return nil, err
		}

		delay := time.Duration(ti.DelaySeconds) * time.Second
		if delay < minTimerDelay {
			delay = minTimerDelay
		}
		timer := &game.Timer{
			CampaignID:      tc.CampaignID,
			SessionID:       tc.SessionID,
			EventText:       ti.EventText,
			Interruptible:   ti.Interruptible,
			InterruptAction: ti.InterruptAction,
			DueAt:           now.Add(delay),
		}
		if err := uow.Timers().Schedule(ctx, timer); err != nil {
			return nil, err
		}

		return &pendingEvent{
			eventType: game.EventTimerScheduled,
			key:       "timer_scheduled:" + timer.ID,
			payload: map[string]any{
				"timer_id":   timer.ID,
				"event_text": timer.EventText,
				"due_at":     timer.DueAt.Format(time.RFC3339),
			},
		}, nil

	default:
		e.log.WarnContext(ctx, "ignoring unknown timer instruction",
			"campaign_id", tc.CampaignID, "kind", string(ti.Kind))
		return nil, nil
	}
}

// emit writes one outbox event and records its type on the result.
func (e *Engine) emit(ctx context.Context, uow game.UnitOfWork, tc *TurnContext, eventType, idempotencyKey string, payload map[string]any, res *ResolveTurnResult) error {
	scope := tc.SessionID
	if scope == "" {
		scope = game.SessionScopeNone
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("engine: marshal %s payload: %w", eventType, err)
	}
	ev := &game.OutboxEvent{
		CampaignID:     tc.CampaignID,
		SessionID:      tc.SessionID,
		SessionScope:   scope,
		EventType:      eventType,
		IdempotencyKey: idempotencyKey,
		Payload:        body,
	}
	if err := uow.Outbox().Add(ctx, ev); err != nil {
		return err
	}
	res.EmittedEvents = append(res.EmittedEvents, eventType)
	return nil
}

func (e *Engine) releaseBestEffort(ctx context.Context, in ResolveTurnInput, claimToken string) {
	if err := e.leases.Release(context.WithoutCancel(ctx), in.CampaignID, in.ActorID, claimToken); err != nil {
		e.log.WarnContext(ctx, "lease release failed",
			"campaign_id", in.CampaignID, "actor_id", in.ActorID, "error", err)
	}
}

// indexNarration embeds the committed narration turn, best effort.
func (e *Engine) indexNarration(ctx context.Context, tc *TurnContext, res *ResolveTurnResult) {
	if e.indexer == nil {
		return
	}
	t := &game.Turn{
		ID:         res.NarrationTurnID,
		CampaignID: tc.CampaignID,
		SessionID:  tc.SessionID,
		Kind:       game.TurnNarration,
		Content:    res.Narration,
	}
	if err := e.indexer.IndexTurn(ctx, t); err != nil {
		e.log.WarnContext(ctx, "turn indexing failed",
			"campaign_id", tc.CampaignID, "turn_id", res.NarrationTurnID, "error", err)
	}
}
