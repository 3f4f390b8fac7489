// Package mock provides an in-memory [game.Store] for tests. Transactions are
// copy-on-write: WithUnitOfWork clones the whole dataset, runs the scope
// function against the clone, and swaps it in only on success, so rollback
// semantics match the PostgreSQL backend.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/rvickery/taleturn/pkg/game"
)

// Store is the in-memory [game.Store]. Safe for concurrent use; transactions
// are serialized by a single mutex.
type Store struct {
	mu   sync.Mutex
	data *dataset

	// Now supplies transaction timestamps. Defaults to time.Now.
	Now func() time.Time
}

var _ game.Store = (*Store)(nil)

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		data: newDataset(),
		Now:  time.Now,
	}
}

// WithUnitOfWork implements [game.Store].
func (s *Store) WithUnitOfWork(ctx context.Context, fn func(ctx context.Context, uow game.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := s.data.clone()
	uow := &unitOfWork{data: clone, now: s.Now}
	if err := fn(ctx, uow); err != nil {
		return err
	}
	s.data = clone
	return nil
}

// Snapshot returns a deep copy of the current dataset for assertions.
func (s *Store) Snapshot() *Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Dataset{dataset: s.data.clone()}
}

// Dataset is a read-only view over a copied dataset, used by test assertions.
type Dataset struct {
	*dataset
}

// Campaign returns the stored campaign by id, or nil.
func (d *Dataset) Campaign(id string) *game.Campaign {
	if c, ok := d.campaigns[id]; ok {
		cp := c
		return &cp
	}
	return nil
}

// Turns returns all turns of the campaign in id order.
func (d *Dataset) Turns(campaignID string) []game.Turn {
	return turnsOf(d.dataset, campaignID)
}

// Timers returns all timers of the campaign in creation order.
func (d *Dataset) Timers(campaignID string) []game.Timer {
	var out []game.Timer
	for _, id := range d.timerOrder {
		t := d.timers[id]
		if t.CampaignID == campaignID {
			out = append(out, t)
		}
	}
	return out
}

// OutboxEvents returns all outbox events in insertion order.
func (d *Dataset) OutboxEvents() []game.OutboxEvent {
	out := make([]game.OutboxEvent, 0, len(d.outboxOrder))
	for _, id := range d.outboxOrder {
		out = append(out, d.outbox[id])
	}
	return out
}

// Player returns the stored player row for (campaign, actor), or nil.
func (d *Dataset) Player(campaignID, actorID string) *game.Player {
	for _, p := range d.players {
		if p.CampaignID == campaignID && p.ActorID == actorID {
			cp := p
			return &cp
		}
	}
	return nil
}

// Inflight returns the lease row for (campaign, actor), or nil.
func (d *Dataset) Inflight(campaignID, actorID string) *game.InflightTurn {
	if l, ok := d.inflight[campaignID+"/"+actorID]; ok {
		cp := l
		return &cp
	}
	return nil
}

// Snapshots returns all snapshots of the campaign in turn-id order.
func (d *Dataset) Snapshots(campaignID string) []game.Snapshot {
	var out []game.Snapshot
	for _, id := range sortedTurnIDs(d.snapshots) {
		s := d.snapshots[id]
		if s.CampaignID == campaignID {
			out = append(out, s)
		}
	}
	return out
}

// Embeddings returns all embeddings of the campaign in turn-id order.
func (d *Dataset) Embeddings(campaignID string) []game.Embedding {
	var out []game.Embedding
	for _, id := range sortedTurnIDs(d.embeddings) {
		e := d.embeddings[id]
		if e.CampaignID == campaignID {
			out = append(out, e)
		}
	}
	return out
}

// dataset holds every table. All maps hold struct values, so cloning the maps
// clones the rows.
type dataset struct {
	actors    map[string]game.Actor
	actorRefs []game.ActorExternalRef
	campaigns map[string]game.Campaign
	sessions  map[string]game.Session
	players   map[string]game.Player

	turns      map[int64]game.Turn
	nextTurnID int64

	snapshots map[int64]game.Snapshot // keyed by turn id

	timers     map[string]game.Timer
	timerOrder []string

	inflight map[string]game.InflightTurn // keyed campaignID+"/"+actorID

	embeddings map[int64]game.Embedding // keyed by turn id
	media      map[string]game.MediaRef
	mediaOrder []string

	outbox      map[string]game.OutboxEvent
	outboxOrder []string
	outboxKeys  map[string]string // idempotency identity -> event id
}

func newDataset() *dataset {
	return &dataset{
		actors:     make(map[string]game.Actor),
		campaigns:  make(map[string]game.Campaign),
		sessions:   make(map[string]game.Session),
		players:    make(map[string]game.Player),
		turns:      make(map[int64]game.Turn),
		nextTurnID: 1,
		snapshots:  make(map[int64]game.Snapshot),
		timers:     make(map[string]game.Timer),
		inflight:   make(map[string]game.InflightTurn),
		embeddings: make(map[int64]game.Embedding),
		media:      make(map[string]game.MediaRef),
		outbox:     make(map[string]game.OutboxEvent),
		outboxKeys: make(map[string]string),
	}
}

func (d *dataset) clone() *dataset {
	c := &dataset{
		actors:      cloneMap(d.actors),
		actorRefs:   append([]game.ActorExternalRef(nil), d.actorRefs...),
		campaigns:   cloneMap(d.campaigns),
		sessions:    cloneMap(d.sessions),
		players:     cloneMap(d.players),
		turns:       cloneMap(d.turns),
		nextTurnID:  d.nextTurnID,
		snapshots:   cloneMap(d.snapshots),
		timers:      cloneMap(d.timers),
		timerOrder:  append([]string(nil), d.timerOrder...),
		inflight:    cloneMap(d.inflight),
		embeddings:  cloneMap(d.embeddings),
		media:       cloneMap(d.media),
		mediaOrder:  append([]string(nil), d.mediaOrder...),
		outbox:      cloneMap(d.outbox),
		outboxOrder: append([]string(nil), d.outboxOrder...),
		outboxKeys:  cloneMap(d.outboxKeys),
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	c := make(map[K]V, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// unitOfWork binds the repositories to one cloned dataset.
type unitOfWork struct {
	data *dataset
	now  func() time.Time
}

var _ game.UnitOfWork = (*unitOfWork)(nil)

func (u *unitOfWork) Campaigns() game.CampaignRepo   { return &campaignRepo{u} }
func (u *unitOfWork) Actors() game.ActorRepo         { return &actorRepo{u} }
func (u *unitOfWork) Sessions() game.SessionRepo     { return &sessionRepo{u} }
func (u *unitOfWork) Players() game.PlayerRepo       { return &playerRepo{u} }
func (u *unitOfWork) Turns() game.TurnRepo           { return &turnRepo{u} }
func (u *unitOfWork) Snapshots() game.SnapshotRepo   { return &snapshotRepo{u} }
func (u *unitOfWork) Timers() game.TimerRepo         { return &timerRepo{u} }
func (u *unitOfWork) Inflight() game.InflightRepo    { return &inflightRepo{u} }
func (u *unitOfWork) Embeddings() game.EmbeddingRepo { return &embeddingRepo{u} }
func (u *unitOfWork) Media() game.MediaRepo          { return &mediaRepo{u} }
func (u *unitOfWork) Outbox() game.OutboxRepo        { return &outboxRepo{u} }
