package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rvickery/taleturn/pkg/game"
)

func turnsOf(d *dataset, campaignID string) []game.Turn {
	var out []game.Turn
	for _, id := range sortedTurnIDs(d.turns) {
		t := d.turns[id]
		if t.CampaignID == campaignID {
			out = append(out, t)
		}
	}
	return out
}

func sortedTurnIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type campaignRepo struct{ u *unitOfWork }

func (r *campaignRepo) Get(_ context.Context, id string) (*game.Campaign, error) {
	if c, ok := r.u.data.campaigns[id]; ok {
		cp := c
		return &cp, nil
	}
	return nil, nil
}

func (r *campaignRepo) GetByName(_ context.Context, namespace, nameNormalized string) (*game.Campaign, error) {
	for _, c := range r.u.data.campaigns {
		if c.Namespace == namespace && c.NameNormalized == nameNormalized {
			cp := c
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *campaignRepo) Create(_ context.Context, c *game.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Namespace == "" {
		c.Namespace = "default"
	}
	for _, existing := range r.u.data.campaigns {
		if existing.Namespace == c.Namespace && existing.NameNormalized == c.NameNormalized {
			return fmt.Errorf("mock: campaign %s/%s already exists", c.Namespace, c.NameNormalized)
		}
	}
	if len(c.State) == 0 {
		c.State = []byte(`{}`)
	}
	if len(c.Characters) == 0 {
		c.Characters = []byte(`{}`)
	}
	c.RowVersion = 1
	c.CreatedAt = r.u.now().UTC()
	c.UpdatedAt = c.CreatedAt
	r.u.data.campaigns[c.ID] = *c
	return nil
}

func (r *campaignRepo) CASUpdate(_ context.Context, id string, expectedRowVersion int, upd game.CampaignUpdate) (bool, error) {
	c, ok := r.u.data.campaigns[id]
	if !ok || c.RowVersion != expectedRowVersion {
		return false, nil
	}
	c.Summary = upd.Summary
	c.State = upd.State
	c.Characters = upd.Characters
	c.LastNarration = upd.LastNarration
	if upd.MemoryVisibleMaxTurnID != nil {
		v := *upd.MemoryVisibleMaxTurnID
		c.MemoryVisibleMaxTurnID = &v
	}
	c.RowVersion++
	c.UpdatedAt = r.u.now().UTC()
	r.u.data.campaigns[id] = c
	return true, nil
}

type actorRepo struct{ u *unitOfWork }

func (r *actorRepo) Get(_ context.Context, id string) (*game.Actor, error) {
	if a, ok := r.u.data.actors[id]; ok {
		cp := a
		return &cp, nil
	}
	return nil, nil
}

func (r *actorRepo) Create(_ context.Context, a *game.Actor) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Kind == "" {
		a.Kind = "human"
	}
	a.CreatedAt = r.u.now().UTC()
	a.UpdatedAt = a.CreatedAt
	r.u.data.actors[a.ID] = *a
	return nil
}

func (r *actorRepo) GetByExternalRef(_ context.Context, provider, externalID string) (*game.Actor, error) {
	for _, ref := range r.u.data.actorRefs {
		if ref.Provider == provider && ref.ExternalID == externalID {
			if a, ok := r.u.data.actors[ref.ActorID]; ok {
				cp := a
				return &cp, nil
			}
		}
	}
	return nil, nil
}

func (r *actorRepo) AddExternalRef(_ context.Context, ref *game.ActorExternalRef) error {
	for _, existing := range r.u.data.actorRefs {
		if existing.Provider == ref.Provider && existing.ExternalID == ref.ExternalID {
			return fmt.Errorf("mock: ref %s/%s already linked", ref.Provider, ref.ExternalID)
		}
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	ref.CreatedAt = r.u.now().UTC()
	r.u.data.actorRefs = append(r.u.data.actorRefs, *ref)
	return nil
}

func (r *actorRepo) ListByCampaign(_ context.Context, campaignID string) ([]game.Actor, error) {
	var out []game.Actor
	for _, p := range r.u.data.players {
		if p.CampaignID != campaignID {
			continue
		}
		if a, ok := r.u.data.actors[p.ActorID]; ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

type sessionRepo struct{ u *unitOfWork }

func (r *sessionRepo) Get(_ context.Context, id string) (*game.Session, error) {
	if s, ok := r.u.data.sessions[id]; ok {
		cp := s
		return &cp, nil
	}
	return nil, nil
}

func (r *sessionRepo) GetBySurfaceKey(_ context.Context, surfaceKey string) (*game.Session, error) {
	for _, s := range r.u.data.sessions {
		if s.SurfaceKey == surfaceKey {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *sessionRepo) Create(_ context.Context, s *game.Session) error {
	for _, existing := range r.u.data.sessions {
		if existing.SurfaceKey == s.SurfaceKey {
			return fmt.Errorf("mock: surface key %q already bound", s.SurfaceKey)
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = r.u.now().UTC()
	s.UpdatedAt = s.CreatedAt
	r.u.data.sessions[s.ID] = *s
	return nil
}

type playerRepo struct{ u *unitOfWork }

func (r *playerRepo) GetByCampaignActor(_ context.Context, campaignID, actorID string) (*game.Player, error) {
	for _, p := range r.u.data.players {
		if p.CampaignID == campaignID && p.ActorID == actorID {
			cp := p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *playerRepo) Create(_ context.Context, p *game.Player) error {
	for _, existing := range r.u.data.players {
		if existing.CampaignID == p.CampaignID && existing.ActorID == p.ActorID {
			return fmt.Errorf("mock: player %s/%s already exists", p.CampaignID, p.ActorID)
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Level == 0 {
		p.Level = 1
	}
	if len(p.Attributes) == 0 {
		p.Attributes = []byte(`{}`)
	}
	if len(p.State) == 0 {
		p.State = []byte(`{}`)
	}
	p.CreatedAt = r.u.now().UTC()
	p.UpdatedAt = p.CreatedAt
	r.u.data.players[p.ID] = *p
	return nil
}

func (r *playerRepo) Update(_ context.Context, p *game.Player) error {
	if _, ok := r.u.data.players[p.ID]; !ok {
		return fmt.Errorf("mock: player %q not found", p.ID)
	}
	p.UpdatedAt = r.u.now().UTC()
	r.u.data.players[p.ID] = *p
	return nil
}

func (r *playerRepo) ListByCampaign(_ context.Context, campaignID string) ([]game.Player, error) {
	var out []game.Player
	for _, p := range r.u.data.players {
		if p.CampaignID == campaignID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type turnRepo struct{ u *unitOfWork }

func (r *turnRepo) Append(_ context.Context, t *game.Turn) error {
	t.ID = r.u.data.nextTurnID
	r.u.data.nextTurnID++
	t.CreatedAt = r.u.now().UTC()
	if len(t.Meta) == 0 {
		t.Meta = []byte(`{}`)
	}
	r.u.data.turns[t.ID] = *t
	return nil
}

func (r *turnRepo) Recent(_ context.Context, campaignID string, limit int) ([]game.Turn, error) {
	all := turnsOf(r.u.data, campaignID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (r *turnRepo) Get(_ context.Context, campaignID string, turnID int64) (*game.Turn, error) {
	if t, ok := r.u.data.turns[turnID]; ok && t.CampaignID == campaignID {
		cp := t
		return &cp, nil
	}
	return nil, nil
}

func (r *turnRepo) GetByExternalMessageID(_ context.Context, campaignID, messageID string) (*game.Turn, error) {
	return r.getByExternal(campaignID, messageID, false)
}

func (r *turnRepo) GetByExternalUserMessageID(_ context.Context, campaignID, messageID string) (*game.Turn, error) {
	return r.getByExternal(campaignID, messageID, true)
}

func (r *turnRepo) getByExternal(campaignID, messageID string, user bool) (*game.Turn, error) {
	ids := sortedTurnIDs(r.u.data.turns)
	for i := len(ids) - 1; i >= 0; i-- {
		t := r.u.data.turns[ids[i]]
		if t.CampaignID != campaignID {
			continue
		}
		ext := t.ExternalMessageID
		if user {
			ext = t.ExternalUserMessageID
		}
		if ext != "" && ext == messageID {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *turnRepo) SetExternalIDs(_ context.Context, turnID int64, messageID, userMessageID string) error {
	t, ok := r.u.data.turns[turnID]
	if !ok {
		return fmt.Errorf("mock: turn %d not found", turnID)
	}
	if messageID != "" {
		t.ExternalMessageID = messageID
	}
	if userMessageID != "" {
		t.ExternalUserMessageID = userMessageID
	}
	r.u.data.turns[turnID] = t
	return nil
}

func (r *turnRepo) DeleteAfter(_ context.Context, campaignID string, turnID int64) (int64, error) {
	var n int64
	for id, t := range r.u.data.turns {
		if t.CampaignID == campaignID && id > turnID {
			delete(r.u.data.turns, id)
			// Snapshot and embedding rows cascade with their turn.
			delete(r.u.data.snapshots, id)
			delete(r.u.data.embeddings, id)
			n++
		}
	}
	return n, nil
}

type snapshotRepo struct{ u *unitOfWork }

func (r *snapshotRepo) Add(_ context.Context, s *game.Snapshot) error {
	if _, ok := r.u.data.snapshots[s.TurnID]; ok {
		return fmt.Errorf("mock: snapshot for turn %d already exists", s.TurnID)
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = r.u.now().UTC()
	r.u.data.snapshots[s.TurnID] = *s
	return nil
}

func (r *snapshotRepo) GetByCampaignTurn(_ context.Context, campaignID string, turnID int64) (*game.Snapshot, error) {
	if s, ok := r.u.data.snapshots[turnID]; ok && s.CampaignID == campaignID {
		cp := s
		return &cp, nil
	}
	return nil, nil
}

func (r *snapshotRepo) DeleteAfterTurn(_ context.Context, campaignID string, turnID int64) (int64, error) {
	var n int64
	for id, s := range r.u.data.snapshots {
		if s.CampaignID == campaignID && id > turnID {
			delete(r.u.data.snapshots, id)
			n++
		}
	}
	return n, nil
}

type timerRepo struct{ u *unitOfWork }

func (r *timerRepo) GetActive(_ context.Context, campaignID string) (*game.Timer, error) {
	for i := len(r.u.data.timerOrder) - 1; i >= 0; i-- {
		t := r.u.data.timers[r.u.data.timerOrder[i]]
		if t.CampaignID == campaignID && t.Status.IsActive() {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *timerRepo) Schedule(_ context.Context, t *game.Timer) error {
	for _, existing := range r.u.data.timers {
		if existing.CampaignID == t.CampaignID && existing.Status.IsActive() {
			return fmt.Errorf("mock: schedule: %w", game.ErrActiveTimerExists)
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if len(t.Meta) == 0 {
		t.Meta = []byte(`{}`)
	}
	t.Status = game.TimerScheduledUnbound
	t.CreatedAt = r.u.now().UTC()
	t.UpdatedAt = t.CreatedAt
	r.u.data.timers[t.ID] = *t
	r.u.data.timerOrder = append(r.u.data.timerOrder, t.ID)
	return nil
}

func (r *timerRepo) Attach(_ context.Context, timerID, messageID, channelID, threadID string) (bool, error) {
	t, ok := r.u.data.timers[timerID]
	if !ok || !t.Status.IsActive() {
		return false, nil
	}
	t.Status = game.TimerScheduledBound
	t.ExternalMessageID = messageID
	t.ExternalChannelID = channelID
	t.ExternalThreadID = threadID
	t.UpdatedAt = r.u.now().UTC()
	r.u.data.timers[timerID] = t
	return true, nil
}

func (r *timerRepo) CancelActive(_ context.Context, campaignID string, at time.Time) (int64, error) {
	var n int64
	for id, t := range r.u.data.timers {
		if t.CampaignID == campaignID && t.Status.IsActive() {
			t.Status = game.TimerCancelled
			cancelled := at
			t.CancelledAt = &cancelled
			t.UpdatedAt = at
			r.u.data.timers[id] = t
			n++
		}
	}
	return n, nil
}

func (r *timerRepo) MarkExpired(_ context.Context, timerID string, at time.Time) (bool, error) {
	t, ok := r.u.data.timers[timerID]
	if !ok || !t.Status.IsActive() {
		return false, nil
	}
	t.Status = game.TimerExpired
	fired := at
	t.FiredAt = &fired
	t.UpdatedAt = at
	r.u.data.timers[timerID] = t
	return true, nil
}

func (r *timerRepo) MarkConsumed(_ context.Context, timerID string, at time.Time) (bool, error) {
	t, ok := r.u.data.timers[timerID]
	if !ok || t.Status != game.TimerExpired {
		return false, nil
	}
	t.Status = game.TimerConsumed
	t.UpdatedAt = at
	r.u.data.timers[timerID] = t
	return true, nil
}

func (r *timerRepo) ListDue(_ context.Context, now time.Time, limit int) ([]game.Timer, error) {
	var out []game.Timer
	for _, id := range r.u.data.timerOrder {
		t := r.u.data.timers[id]
		if t.Status.IsActive() && !t.DueAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type inflightRepo struct{ u *unitOfWork }

func (r *inflightRepo) AcquireOrSteal(_ context.Context, campaignID, actorID, claimToken string, now, expiresAt time.Time) (bool, error) {
	key := campaignID + "/" + actorID
	if existing, ok := r.u.data.inflight[key]; ok && !existing.ExpiresAt.Before(now) {
		return false, nil
	}
	r.u.data.inflight[key] = game.InflightTurn{
		ID:          uuid.NewString(),
		CampaignID:  campaignID,
		ActorID:     actorID,
		ClaimToken:  claimToken,
		ClaimedAt:   now,
		HeartbeatAt: now,
		ExpiresAt:   expiresAt,
	}
	return true, nil
}

func (r *inflightRepo) Validate(_ context.Context, campaignID, actorID, claimToken string, now time.Time) (bool, error) {
	l, ok := r.u.data.inflight[campaignID+"/"+actorID]
	return ok && l.ClaimToken == claimToken && !l.ExpiresAt.Before(now), nil
}

func (r *inflightRepo) Heartbeat(_ context.Context, campaignID, actorID, claimToken string, now, expiresAt time.Time) (bool, error) {
	key := campaignID + "/" + actorID
	l, ok := r.u.data.inflight[key]
	if !ok || l.ClaimToken != claimToken {
		return false, nil
	}
	l.HeartbeatAt = now
	l.ExpiresAt = expiresAt
	r.u.data.inflight[key] = l
	return true, nil
}

func (r *inflightRepo) Release(_ context.Context, campaignID, actorID, claimToken string) error {
	key := campaignID + "/" + actorID
	if l, ok := r.u.data.inflight[key]; ok && l.ClaimToken == claimToken {
		delete(r.u.data.inflight, key)
	}
	return nil
}

type embeddingRepo struct{ u *unitOfWork }

func (r *embeddingRepo) Add(_ context.Context, e *game.Embedding) error {
	e.CreatedAt = r.u.now().UTC()
	r.u.data.embeddings[e.TurnID] = *e
	return nil
}

func (r *embeddingRepo) DeleteAfterTurn(_ context.Context, campaignID string, turnID int64) (int64, error) {
	var n int64
	for id, e := range r.u.data.embeddings {
		if e.CampaignID == campaignID && id > turnID {
			delete(r.u.data.embeddings, id)
			n++
		}
	}
	return n, nil
}

func (r *embeddingRepo) SearchSimilar(_ context.Context, campaignID string, vector []float32, topK int) ([]game.EmbeddingMatch, error) {
	var out []game.EmbeddingMatch
	for _, e := range r.u.data.embeddings {
		if e.CampaignID != campaignID {
			continue
		}
		out = append(out, game.EmbeddingMatch{
			TurnID:   e.TurnID,
			Content:  e.Content,
			Distance: cosineDistance(vector, e.Vector),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

type mediaRepo struct{ u *unitOfWork }

func (r *mediaRepo) Add(_ context.Context, m *game.MediaRef) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = r.u.now().UTC()
	m.UpdatedAt = m.CreatedAt
	r.u.data.media[m.ID] = *m
	r.u.data.mediaOrder = append(r.u.data.mediaOrder, m.ID)
	return nil
}

func (r *mediaRepo) ListByRoomKey(_ context.Context, campaignID, roomKey string) ([]game.MediaRef, error) {
	var out []game.MediaRef
	for i := len(r.u.data.mediaOrder) - 1; i >= 0; i-- {
		m := r.u.data.media[r.u.data.mediaOrder[i]]
		if m.CampaignID == campaignID && m.RoomKey == roomKey {
			out = append(out, m)
		}
	}
	return out, nil
}

type outboxRepo struct{ u *unitOfWork }

func outboxIdentity(ev *game.OutboxEvent) string {
	return ev.CampaignID + "|" + ev.SessionScope + "|" + ev.EventType + "|" + ev.IdempotencyKey
}

func (r *outboxRepo) Add(_ context.Context, ev *game.OutboxEvent) error {
	if ev.SessionScope == "" {
		ev.SessionScope = game.SessionScopeNone
	}
	if len(ev.Payload) == 0 {
		ev.Payload = []byte(`{}`)
	}
	identity := outboxIdentity(ev)
	if _, ok := r.u.data.outboxKeys[identity]; ok {
		// Duplicate; the original row stands.
		return nil
	}
	ev.ID = uuid.NewString()
	ev.Status = game.OutboxPending
	ev.CreatedAt = r.u.now().UTC()
	ev.UpdatedAt = ev.CreatedAt
	r.u.data.outbox[ev.ID] = *ev
	r.u.data.outboxOrder = append(r.u.data.outboxOrder, ev.ID)
	r.u.data.outboxKeys[identity] = ev.ID
	return nil
}

func (r *outboxRepo) ListPending(_ context.Context, now time.Time, limit int) ([]game.OutboxEvent, error) {
	var out []game.OutboxEvent
	for _, id := range r.u.data.outboxOrder {
		ev := r.u.data.outbox[id]
		if ev.Status != game.OutboxPending {
			continue
		}
		if ev.NextAttemptAt != nil && ev.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *outboxRepo) MarkSent(_ context.Context, id string, at time.Time) error {
	ev, ok := r.u.data.outbox[id]
	if !ok {
		return fmt.Errorf("mock: event %q not found", id)
	}
	ev.Status = game.OutboxSent
	ev.UpdatedAt = at
	r.u.data.outbox[id] = ev
	return nil
}

func (r *outboxRepo) MarkFailed(_ context.Context, id string, attempts int, nextAttemptAt *time.Time) error {
	ev, ok := r.u.data.outbox[id]
	if !ok {
		return fmt.Errorf("mock: event %q not found", id)
	}
	ev.Attempts = attempts
	if nextAttemptAt == nil {
		ev.Status = game.OutboxFailed
		ev.NextAttemptAt = nil
	} else {
		ev.Status = game.OutboxPending
		next := *nextAttemptAt
		ev.NextAttemptAt = &next
	}
	ev.UpdatedAt = r.u.now().UTC()
	r.u.data.outbox[id] = ev
	return nil
}
