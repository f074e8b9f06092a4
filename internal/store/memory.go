package store

import (
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps every repository in maps guarded by one RWMutex.
// It is used when no database is configured and in tests.
type InMemoryStore struct {
	mu          sync.RWMutex
	histories   map[string][]models.HistoryEntry
	leadStates  map[string]models.LeadState
	nameMapping map[string]models.PhoneNameMapping
	meetings    map[string]models.MeetingSchedule
	permissions map[string]models.ReminderPermission
	reminders   []models.PendingReminder
	followUps   []models.PendingFollowUp
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		histories:   make(map[string][]models.HistoryEntry),
		leadStates:  make(map[string]models.LeadState),
		nameMapping: make(map[string]models.PhoneNameMapping),
		meetings:    make(map[string]models.MeetingSchedule),
		permissions: make(map[string]models.ReminderPermission),
	}
}

func (s *InMemoryStore) AppendHistory(phone string, entry models.HistoryEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories[phone] = append(s.histories[phone], entry)
	return nil
}

func (s *InMemoryStore) GetHistory(phone string) ([]models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.histories[phone]
	out := make([]models.HistoryEntry, len(history))
	copy(out, history)
	return out, nil
}

func (s *InMemoryStore) SetLeadState(phone, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leadStates[phone] = models.LeadState{Phone: phone, State: state, UpdatedAt: time.Now()}
	return nil
}

func (s *InMemoryStore) GetLeadState(phone string) (*models.LeadState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.leadStates[phone]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *InMemoryStore) SaveNameMapping(m models.PhoneNameMapping) error {
	if m.NormalizedName == "" {
		return models.ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nameMapping[m.NormalizedName] = m
	return nil
}

func (s *InMemoryStore) GetNameMapping(normalizedName string) (*models.PhoneNameMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.nameMapping[normalizedName]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) ListNameMappings() ([]models.PhoneNameMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PhoneNameMapping, 0, len(s.nameMapping))
	for _, m := range s.nameMapping {
		out = append(out, m)
	}
	return out, nil
}

func (s *InMemoryStore) SaveMeeting(m models.MeetingSchedule) error {
	if m.Phone == "" {
		return models.ErrEmptyPhone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetings[m.Phone] = m
	return nil
}

func (s *InMemoryStore) GetMeeting(phone string) (*models.MeetingSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[phone]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *InMemoryStore) SaveReminderPermission(p models.ReminderPermission) error {
	if p.Phone == "" {
		return models.ErrEmptyPhone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions[p.Phone] = p
	return nil
}

func (s *InMemoryStore) GetReminderPermission(phone string) (*models.ReminderPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permissions[phone]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) AddPendingReminder(r models.PendingReminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reminders = append(s.reminders, r)
	return nil
}

func (s *InMemoryStore) ListPendingReminders() ([]models.PendingReminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PendingReminder, len(s.reminders))
	copy(out, s.reminders)
	return out, nil
}

func (s *InMemoryStore) DeletePendingReminder(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.reminders {
		if r.ID == id {
			s.reminders = append(s.reminders[:i], s.reminders[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) DeletePendingRemindersByPhone(phone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.reminders[:0]
	removed := 0
	for _, r := range s.reminders {
		if r.Phone == phone {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.reminders = kept
	return removed, nil
}

func (s *InMemoryStore) AddPendingFollowUp(f models.PendingFollowUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.followUps = append(s.followUps, f)
	return nil
}

func (s *InMemoryStore) ListPendingFollowUps() ([]models.PendingFollowUp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PendingFollowUp, len(s.followUps))
	copy(out, s.followUps)
	return out, nil
}

func (s *InMemoryStore) DeletePendingFollowUp(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.followUps {
		if f.ID == id {
			s.followUps = append(s.followUps[:i], s.followUps[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) DeletePendingFollowUpsByPhone(phone string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.followUps[:0]
	removed := 0
	for _, f := range s.followUps {
		if f.Phone == phone {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	s.followUps = kept
	return removed, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
