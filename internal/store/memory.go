package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Lockstep/internal/models"
	"github.com/BTreeMap/Lockstep/internal/util"
)

// InMemoryStore is a mutex-guarded store for tests and local runs. Every
// compare-and-set the SQL backends perform in one statement is performed here
// under a single lock.
type InMemoryStore struct {
	mu            sync.Mutex
	events        map[string]models.Event
	guests        map[string]models.Guest
	blocks        map[string]models.Block
	questions     map[string]models.Question
	responses     map[string]models.Response // keyed by guest|block
	answers       map[string]models.Answer   // keyed by guest|question
	checkpoints   map[string]models.Checkpoint
	nudges        map[string]models.Nudge
	nudgeKeys     map[string]string // idempotency key -> nudge id
	subscriptions map[string]models.Subscription
	purchases     map[string]models.EventPurchase
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:        make(map[string]models.Event),
		guests:        make(map[string]models.Guest),
		blocks:        make(map[string]models.Block),
		questions:     make(map[string]models.Question),
		responses:     make(map[string]models.Response),
		answers:       make(map[string]models.Answer),
		checkpoints:   make(map[string]models.Checkpoint),
		nudges:        make(map[string]models.Nudge),
		nudgeKeys:     make(map[string]string),
		subscriptions: make(map[string]models.Subscription),
		purchases:     make(map[string]models.EventPurchase),
	}
}

func pairKey(a, b string) string { return a + "|" + b }

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateEvent(ctx context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.GenerateID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.events[e.ID] = *e
	return nil
}

func (s *InMemoryStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) CountEventsByOwner(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AddGuest(ctx context.Context, g *models.Guest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.ID == "" {
		g.ID = util.GenerateID()
	}
	if g.Status == "" {
		g.Status = models.GuestStatusPending
	}
	if g.MagicToken == "" {
		token, err := util.GenerateMagicToken()
		if err != nil {
			return err
		}
		g.MagicToken = token
	}
	for _, existing := range s.guests {
		if existing.MagicToken == g.MagicToken {
			return ErrDuplicate
		}
	}
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	g.UpdatedAt = now
	s.guests[g.ID] = *g
	return nil
}

func (s *InMemoryStore) GetGuest(ctx context.Context, id string) (*models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guests[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (s *InMemoryStore) ListGuests(ctx context.Context, eventID string, excludeStatus ...models.GuestStatus) ([]models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Guest
	for _, g := range s.guests {
		if g.EventID != eventID || slices.Contains(excludeStatus, g.Status) {
			continue
		}
		out = append(out, g)
	}
	sortGuests(out)
	return out, nil
}

func (s *InMemoryStore) ListGuestsByPhone(ctx context.Context, phone string) ([]models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Guest
	for _, g := range s.guests {
		if g.Phone == phone {
			out = append(out, g)
		}
	}
	sortGuests(out)
	return out, nil
}

func sortGuests(gs []models.Guest) {
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].ID < gs[j].ID
		}
		return gs[i].CreatedAt.Before(gs[j].CreatedAt)
	})
}

func (s *InMemoryStore) UpdateGuestStatus(ctx context.Context, id string, newStatus models.GuestStatus, expected ...models.GuestStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guests[id]
	if !ok {
		return false, nil
	}
	if len(expected) > 0 && !slices.Contains(expected, g.Status) {
		return false, nil
	}
	now := time.Now()
	g.Status = newStatus
	if newStatus == models.GuestStatusOptedOut {
		g.OptedOutAt = &now
	} else {
		g.OptedOutAt = nil
	}
	g.UpdatedAt = now
	s.guests[id] = g
	return true, nil
}

func (s *InMemoryStore) CountGuests(ctx context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.guests {
		if g.EventID == eventID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AddBlock(ctx context.Context, b *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = util.GenerateID()
	}
	s.blocks[b.ID] = *b
	return nil
}

func (s *InMemoryStore) AddQuestion(ctx context.Context, q *models.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.ID == "" {
		q.ID = util.GenerateID()
	}
	s.questions[q.ID] = *q
	return nil
}

func (s *InMemoryStore) RecordResponse(ctx context.Context, r *models.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	key := pairKey(r.GuestID, r.BlockID)
	if existing, ok := s.responses[key]; ok {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	} else {
		if r.ID == "" {
			r.ID = util.GenerateID()
		}
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.responses[key] = *r
	s.markRespondedLocked(r.GuestID, now)
	return nil
}

// markRespondedLocked moves a pending guest to responded. s.mu must be held.
func (s *InMemoryStore) markRespondedLocked(guestID string, now time.Time) {
	g, ok := s.guests[guestID]
	if !ok || g.Status != models.GuestStatusPending {
		return
	}
	g.Status = models.GuestStatusResponded
	g.UpdatedAt = now
	s.guests[guestID] = g
}

func (s *InMemoryStore) RecordAnswer(ctx context.Context, a *models.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(a.GuestID, a.QuestionID)
	if existing, ok := s.answers[key]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		if a.ID == "" {
			a.ID = util.GenerateID()
		}
		a.CreatedAt = time.Now()
	}
	s.answers[key] = *a
	s.markRespondedLocked(a.GuestID, time.Now())
	return nil
}

func (s *InMemoryStore) GetResponse(ctx context.Context, guestID, blockID string) (*models.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[pairKey(guestID, blockID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) ListAnsweredQuestionIDs(ctx context.Context, guestID string, restrictedTo []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, qid := range restrictedTo {
		if _, ok := s.answers[pairKey(guestID, qid)]; ok {
			out[qid] = true
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListRespondedBlockIDs(ctx context.Context, guestID string, restrictedTo []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, bid := range restrictedTo {
		if _, ok := s.responses[pairKey(guestID, bid)]; ok {
			out[bid] = true
		}
	}
	return out, nil
}

func (s *InMemoryStore) InsertResponseIfAbsent(ctx context.Context, guestID, blockID string, value models.RSVPValue) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(guestID, blockID)
	if _, ok := s.responses[key]; ok {
		return false, nil
	}
	now := time.Now()
	s.responses[key] = models.Response{
		ID:        util.GenerateID(),
		GuestID:   guestID,
		BlockID:   blockID,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *InMemoryStore) CreateCheckpoint(ctx context.Context, c *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = util.GenerateID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.checkpoints[c.ID] = cloneCheckpoint(*c)
	return nil
}

func cloneCheckpoint(c models.Checkpoint) models.Checkpoint {
	c.RequiredQuestionIDs = slices.Clone(c.RequiredQuestionIDs)
	c.ApplicableBlockIDs = slices.Clone(c.ApplicableBlockIDs)
	if c.AutoResolveTo != nil {
		v := *c.AutoResolveTo
		c.AutoResolveTo = &v
	}
	return c
}

func (s *InMemoryStore) GetCheckpoint(ctx context.Context, id string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkpoints[id]
	if !ok {
		return nil, nil
	}
	c = cloneCheckpoint(c)
	return &c, nil
}

func (s *InMemoryStore) FindDueUnexecuted(ctx context.Context, now time.Time) ([]models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Checkpoint
	for _, c := range s.checkpoints {
		if !c.Executed && !c.TriggerAt.After(now) {
			out = append(out, cloneCheckpoint(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerAt.Before(out[j].TriggerAt) })
	return out, nil
}

func (s *InMemoryStore) ClaimCheckpoint(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkpoints[id]
	if !ok || c.Executed {
		return false, nil
	}
	if c.ClaimedAt != nil && !c.ClaimedAt.Before(staleBefore) {
		return false, nil
	}
	c.ClaimedAt = &now
	s.checkpoints[id] = c
	return true, nil
}

func (s *InMemoryStore) ReleaseCheckpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkpoints[id]
	if !ok || c.Executed {
		return nil
	}
	c.ClaimedAt = nil
	s.checkpoints[id] = c
	return nil
}

func (s *InMemoryStore) MarkExecuted(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkpoints[id]
	if !ok || c.Executed {
		return false, nil
	}
	c.Executed = true
	c.ExecutedAt = &at
	c.ClaimedAt = nil
	s.checkpoints[id] = c
	return true, nil
}

func (s *InMemoryStore) ReserveNudge(ctx context.Context, n *models.Nudge) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existingID, ok := s.nudgeKeys[n.IdempotencyKey]; ok {
		return existingID, false, nil
	}
	if n.ID == "" {
		n.ID = util.GenerateID()
	}
	now := time.Now()
	n.Status = models.NudgeStatusSending
	n.SentAt = now
	n.UpdatedAt = now
	s.nudges[n.ID] = *n
	s.nudgeKeys[n.IdempotencyKey] = n.ID
	return n.ID, true, nil
}

func (s *InMemoryStore) GetNudge(ctx context.Context, id string) (*models.Nudge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nudges[id]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (s *InMemoryStore) GetNudgeByKey(ctx context.Context, key string) (*models.Nudge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.nudgeKeys[key]
	if !ok {
		return nil, nil
	}
	n := s.nudges[id]
	return &n, nil
}

func (s *InMemoryStore) CompleteNudge(ctx context.Context, id string, status models.NudgeStatus, externalID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nudges[id]
	if !ok {
		return nil
	}
	n.Status = status
	n.ExternalID = externalID
	n.ErrorMessage = errMsg
	n.UpdatedAt = time.Now()
	s.nudges[id] = n
	return nil
}

func (s *InMemoryStore) RetryFailedNudge(ctx context.Context, id, message string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nudges[id]
	if !ok {
		return false, nil
	}
	stale := n.Status == models.NudgeStatusSending && n.UpdatedAt.Before(staleBefore)
	if n.Status != models.NudgeStatusFailed && !stale {
		return false, nil
	}
	now := time.Now()
	n.Status = models.NudgeStatusSending
	n.Message = message
	n.ErrorMessage = ""
	n.SentAt = now
	n.UpdatedAt = now
	s.nudges[id] = n
	return true, nil
}

func (s *InMemoryStore) UpdateNudgeStatusByExternalID(ctx context.Context, externalID string, status models.NudgeStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if externalID == "" {
		return false, nil
	}
	changed := false
	for id, n := range s.nudges {
		if n.ExternalID != externalID || n.Status == models.NudgeStatusDelivered {
			continue
		}
		n.Status = status
		n.UpdatedAt = time.Now()
		s.nudges[id] = n
		changed = true
	}
	return changed, nil
}

func (s *InMemoryStore) ListNudges(ctx context.Context, eventID string) ([]models.Nudge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Nudge
	for _, n := range s.nudges {
		if n.EventID == eventID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out, nil
}

func (s *InMemoryStore) CountSentNudges(ctx context.Context, eventID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.nudges {
		if n.EventID == eventID && n.Status.Succeeded() {
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) UpsertSubscription(ctx context.Context, sub models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.UpdatedAt = time.Now()
	s.subscriptions[sub.UserID] = sub
	return nil
}

func (s *InMemoryStore) GetSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[userID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *InMemoryStore) RecordEventPurchase(ctx context.Context, p models.EventPurchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.PurchasedAt.IsZero() {
		p.PurchasedAt = time.Now()
	}
	s.purchases[p.EventID] = p
	return nil
}

func (s *InMemoryStore) GetEventPurchase(ctx context.Context, eventID string) (*models.EventPurchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.purchases[eventID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
