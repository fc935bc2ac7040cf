package store

import (
	"context"
	"sort"
	"sync"

	"go-dm/internal/apperr"
	"go-dm/internal/idgen"
	"go-dm/internal/models"
)

// MemoryMessageStore 进程内消息存储（本地开发/测试默认）。
// 锁约定：store 级读写锁只保护索引；单条消息的删除由 entry 级互斥串行化。
// 需要同时持有时只允许先 store 后 entry。
type MemoryMessageStore struct {
	gen *idgen.Generator

	mu       sync.RWMutex
	byID     map[string]*memEntry
	byPair   map[string]map[string]*memEntry // pairKey -> id -> entry
	partners map[string]map[string]struct{}  // user -> 出现过的对端
	byClient map[string]*memEntry            // sender \x00 clientMsgId
}

type memEntry struct {
	mu   sync.Mutex
	msg  *models.Message
	gone bool
}

func NewMemoryMessageStore(gen *idgen.Generator) *MemoryMessageStore {
	if gen == nil {
		gen = idgen.New()
	}
	return &MemoryMessageStore{
		gen:      gen,
		byID:     make(map[string]*memEntry),
		byPair:   make(map[string]map[string]*memEntry),
		partners: make(map[string]map[string]struct{}),
		byClient: make(map[string]*memEntry),
	}
}

func clientKey(sender, clientMsgID string) string { return sender + "\x00" + clientMsgID }

func (s *MemoryMessageStore) Append(ctx context.Context, d *models.Draft) (*models.Message, bool, error) {
	if err := d.Validate(); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, apperr.Transient("append", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ClientMsgID != "" {
		if e, ok := s.byClient[clientKey(d.Sender, d.ClientMsgID)]; ok {
			e.mu.Lock()
			defer e.mu.Unlock()
			if !e.gone {
				return e.msg.Clone(), false, nil
			}
		}
	}

	id, at := s.gen.Next()
	m := &models.Message{
		ID:          id,
		Sender:      d.Sender,
		Recipient:   d.Recipient,
		Content:     d.Content,
		CreatedAt:   at,
		ClientMsgID: d.ClientMsgID,
	}
	e := &memEntry{msg: m}
	s.byID[id] = e
	pk := idgen.PairKey(d.Sender, d.Recipient)
	if s.byPair[pk] == nil {
		s.byPair[pk] = make(map[string]*memEntry)
	}
	s.byPair[pk][id] = e
	s.addPartner(d.Sender, d.Recipient)
	s.addPartner(d.Recipient, d.Sender)
	if d.ClientMsgID != "" {
		s.byClient[clientKey(d.Sender, d.ClientMsgID)] = e
	}
	return m.Clone(), true, nil
}

func (s *MemoryMessageStore) addPartner(user, peer string) {
	set := s.partners[user]
	if set == nil {
		set = make(map[string]struct{})
		s.partners[user] = set
	}
	set[peer] = struct{}{}
}

func (s *MemoryMessageStore) Get(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("message %s", id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, apperr.NotFound("message %s", id)
	}
	return e.msg.Clone(), nil
}

func (s *MemoryMessageStore) pairEntries(a, b string) []*memEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.byPair[idgen.PairKey(a, b)]
	out := make([]*memEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

func (s *MemoryMessageStore) VisibleBetween(ctx context.Context, a, b, viewer string) ([]*models.Message, error) {
	res := []*models.Message{}
	if viewer != a && viewer != b {
		return res, nil
	}
	for _, e := range s.pairEntries(a, b) {
		e.mu.Lock()
		if !e.gone && e.msg.VisibleTo(viewer) {
			res = append(res, e.msg.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Less(res[j]) })
	return res, nil
}

func (s *MemoryMessageStore) SoftDelete(ctx context.Context, id, viewer string) (DeleteResult, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return DeleteResult{}, apperr.NotFound("message %s", id)
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return DeleteResult{}, apperr.Conflict("message %s removed concurrently", id)
	}
	m := e.msg
	if !m.VisibleTo(viewer) {
		e.mu.Unlock()
		return DeleteResult{}, apperr.NotFound("message %s", id)
	}
	snapshot := m.Clone()
	hard := false
	if viewer == m.Sender {
		hard = true
	} else {
		m.DeletedFor = append(m.DeletedFor, viewer)
		hard = m.HiddenFor(m.Sender)
	}
	if hard {
		e.gone = true
	}
	e.mu.Unlock()

	if hard {
		s.unindex(snapshot)
	}
	return DeleteResult{Hard: hard, Message: snapshot}, nil
}

func (s *MemoryMessageStore) HardDelete(ctx context.Context, id string) error {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	already := e.gone
	e.gone = true
	snapshot := e.msg.Clone()
	e.mu.Unlock()
	if !already {
		s.unindex(snapshot)
	}
	return nil
}

func (s *MemoryMessageStore) unindex(m *models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, m.ID)
	pk := idgen.PairKey(m.Sender, m.Recipient)
	if pm := s.byPair[pk]; pm != nil {
		delete(pm, m.ID)
		if len(pm) == 0 {
			delete(s.byPair, pk)
		}
	}
	if m.ClientMsgID != "" {
		k := clientKey(m.Sender, m.ClientMsgID)
		if e, ok := s.byClient[k]; ok && e.msg.ID == m.ID {
			delete(s.byClient, k)
		}
	}
}

func (s *MemoryMessageStore) BulkSoftDelete(ctx context.Context, a, b, viewer string) (BulkDeleteResult, error) {
	var res BulkDeleteResult
	if viewer != a && viewer != b {
		return res, apperr.Validation("viewer %s is not a participant", viewer)
	}
	// 快照：只处理此刻已存在的消息
	for _, e := range s.pairEntries(a, b) {
		e.mu.Lock()
		if e.gone || !e.msg.VisibleTo(viewer) {
			e.mu.Unlock()
			continue
		}
		m := e.msg
		m.DeletedFor = append(m.DeletedFor, viewer)
		if m.HiddenFor(m.Sender) && m.HiddenFor(m.Recipient) {
			e.gone = true
			res.Purged = append(res.Purged, m.Clone())
		} else {
			res.Hidden++
		}
		e.mu.Unlock()
	}
	for _, m := range res.Purged {
		s.unindex(m)
	}
	return res, nil
}

func (s *MemoryMessageStore) LatestPerPartner(ctx context.Context, viewer string) ([]*models.Message, error) {
	s.mu.RLock()
	peers := make([]string, 0, len(s.partners[viewer]))
	for p := range s.partners[viewer] {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	var out []*models.Message
	for _, p := range peers {
		var latest *models.Message
		for _, e := range s.pairEntries(viewer, p) {
			e.mu.Lock()
			if !e.gone && e.msg.VisibleTo(viewer) && (latest == nil || latest.Less(e.msg)) {
				latest = e.msg.Clone()
			}
			e.mu.Unlock()
		}
		if latest != nil {
			out = append(out, latest)
		}
	}
	return out, nil
}
