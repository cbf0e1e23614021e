// Package memory provides in-process implementations of the engine store and
// patient directory for tests and single-node development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
)

// Store is a mutex-guarded engine.Store. Values are cloned on the way in and out.
type Store struct {
	mu        sync.Mutex
	schedules map[string]*reminder.DoseSchedule
	instances map[string]*reminder.ReminderInstance
	keys      map[string]string
	adherence map[string]*reminder.AdherenceRecord
	events    []*reminder.Event

	locksMu   sync.Mutex
	sendLocks map[string]*sync.RWMutex
}

var _ engine.Store = (*Store)(nil)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		schedules: make(map[string]*reminder.DoseSchedule),
		instances: make(map[string]*reminder.ReminderInstance),
		keys:      make(map[string]string),
		adherence: make(map[string]*reminder.AdherenceRecord),
		sendLocks: make(map[string]*sync.RWMutex),
	}
}

func (s *Store) sendLock(scheduleID string) *sync.RWMutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.sendLocks[scheduleID]
	if !ok {
		l = &sync.RWMutex{}
		s.sendLocks[scheduleID] = l
	}
	return l
}

// HoldSends implements engine.Store
func (s *Store) HoldSends(_ context.Context, scheduleID string) (func(), error) {
	l := s.sendLock(scheduleID)
	l.RLock()
	return l.RUnlock, nil
}

// Events returns a copy of every event written so far
func (s *Store) Events() []*reminder.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*reminder.Event(nil), s.events...)
}

func (s *Store) appendEvents(events []*reminder.Event) {
	for _, e := range events {
		if e != nil {
			s.events = append(s.events, e)
		}
	}
}

// CreateSchedule implements engine.Store
func (s *Store) CreateSchedule(_ context.Context, sched *reminder.DoseSchedule, events ...*reminder.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[sched.ID]; ok {
		return reminder.ErrConflict
	}
	s.schedules[sched.ID] = cloneSchedule(sched)
	s.appendEvents(events)
	return nil
}

// GetSchedule implements engine.Store
func (s *Store) GetSchedule(_ context.Context, id string) (*reminder.DoseSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	return cloneSchedule(sched), nil
}

// ListSchedules implements engine.Store
func (s *Store) ListSchedules(_ context.Context, patientID string) ([]*reminder.DoseSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reminder.DoseSchedule
	for _, sched := range s.schedules {
		if sched.PatientID == patientID {
			out = append(out, cloneSchedule(sched))
		}
	}
	sortSchedules(out)
	return out, nil
}

// ListActiveSchedules implements engine.Store
func (s *Store) ListActiveSchedules(_ context.Context, asOf time.Time) ([]*reminder.DoseSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reminder.DoseSchedule
	for _, sched := range s.schedules {
		if sched.IsActive && sched.EndDate.After(asOf) {
			out = append(out, cloneSchedule(sched))
		}
	}
	sortSchedules(out)
	return out, nil
}

// StopSchedule implements engine.Store
func (s *Store) StopSchedule(_ context.Context, scheduleID, alsoStop string, at time.Time) (*engine.StopResult, error) {
	l := s.sendLock(scheduleID)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[scheduleID]
	if !ok {
		return nil, reminder.ErrNotFound
	}

	res := &engine.StopResult{AlreadyInactive: !sched.IsActive}
	if sched.IsActive {
		sched.IsActive = false
		t := at
		sched.DeactivatedAt = &t
	}

	for _, inst := range s.instances {
		if inst.ScheduleID != scheduleID {
			continue
		}
		if inst.Status != reminder.StatusScheduled && !(inst.ID == alsoStop && inst.Awaiting()) {
			continue
		}
		if err := inst.Stop(at); err != nil {
			continue
		}
		inst.Version++
		res.Stopped = append(res.Stopped, inst.Clone())
	}
	sortInstances(res.Stopped)

	if !res.AlreadyInactive || len(res.Stopped) > 0 {
		s.events = append(s.events, reminder.ScheduleEvent(sched, reminder.EventScheduleStopped, len(res.Stopped), at))
	}
	res.Schedule = cloneSchedule(sched)
	return res, nil
}

// InsertInstances implements engine.Store
func (s *Store) InsertInstances(_ context.Context, insts []*reminder.ReminderInstance, events ...*reminder.Event) ([]*reminder.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var created []*reminder.ReminderInstance
	for _, inst := range insts {
		if _, taken := s.keys[inst.Key()]; taken {
			continue
		}
		s.keys[inst.Key()] = inst.ID
		s.instances[inst.ID] = inst.Clone()
		created = append(created, inst.Clone())
	}
	s.appendEvents(events)
	return created, nil
}

// GetInstance implements engine.Store
func (s *Store) GetInstance(_ context.Context, id string) (*reminder.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	return inst.Clone(), nil
}

// ListInstances implements engine.Store
func (s *Store) ListInstances(_ context.Context, f engine.InstanceFilter) ([]*reminder.ReminderInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reminder.ReminderInstance
	for _, inst := range s.instances {
		if matches(inst, f) {
			out = append(out, inst.Clone())
		}
	}
	sortInstances(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(inst *reminder.ReminderInstance, f engine.InstanceFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if inst.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch {
	case f.PatientID != "" && inst.PatientID != f.PatientID:
		return false
	case f.ScheduleID != "" && inst.ScheduleID != f.ScheduleID:
		return false
	case f.ReminderBefore != nil && inst.ReminderAt.After(*f.ReminderBefore):
		return false
	case f.DoseAfter != nil && !inst.DoseAt.After(*f.DoseAfter):
		return false
	case f.DoseBefore != nil && !inst.DoseAt.Before(*f.DoseBefore):
		return false
	}
	if f.FollowUpBefore != nil {
		if inst.FollowUpAt == nil || inst.FollowUpSent || inst.FollowUpAt.After(*f.FollowUpBefore) {
			return false
		}
	}
	return true
}

// UpdateInstance implements engine.Store
func (s *Store) UpdateInstance(_ context.Context, inst *reminder.ReminderInstance, expectedVersion int, events ...*reminder.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.instances[inst.ID]
	if !ok {
		return reminder.ErrNotFound
	}
	if stored.Version != expectedVersion {
		return reminder.ErrConflict
	}
	inst.Version = expectedVersion + 1
	s.instances[inst.ID] = inst.Clone()
	s.appendEvents(events)
	return nil
}

func adherenceKey(patientID, medicine string) string {
	return patientID + "|" + medicine
}

// GetAdherence implements engine.Store
func (s *Store) GetAdherence(_ context.Context, patientID, medicine string) (*reminder.AdherenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.adherence[adherenceKey(patientID, medicine)]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	return cloneAdherence(rec), nil
}

// ListAdherence implements engine.Store
func (s *Store) ListAdherence(_ context.Context, patientID string) ([]*reminder.AdherenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*reminder.AdherenceRecord
	for _, rec := range s.adherence {
		if rec.PatientID == patientID {
			out = append(out, cloneAdherence(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MedicineName < out[j].MedicineName })
	return out, nil
}

// SaveAdherence implements engine.Store
func (s *Store) SaveAdherence(_ context.Context, rec *reminder.AdherenceRecord, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := adherenceKey(rec.PatientID, rec.MedicineName)
	stored, ok := s.adherence[key]
	switch {
	case !ok && expectedVersion != 0:
		return reminder.ErrConflict
	case ok && stored.Version != expectedVersion:
		return reminder.ErrConflict
	}
	rec.Version = expectedVersion + 1
	s.adherence[key] = cloneAdherence(rec)
	return nil
}

func sortInstances(insts []*reminder.ReminderInstance) {
	sort.Slice(insts, func(i, j int) bool {
		if !insts[i].ReminderAt.Equal(insts[j].ReminderAt) {
			return insts[i].ReminderAt.Before(insts[j].ReminderAt)
		}
		return insts[i].ID < insts[j].ID
	})
}

func sortSchedules(scheds []*reminder.DoseSchedule) {
	sort.Slice(scheds, func(i, j int) bool {
		if !scheds[i].CreatedAt.Equal(scheds[j].CreatedAt) {
			return scheds[i].CreatedAt.Before(scheds[j].CreatedAt)
		}
		return scheds[i].ID < scheds[j].ID
	})
}

func cloneSchedule(s *reminder.DoseSchedule) *reminder.DoseSchedule {
	c := *s
	if s.SlotTimes != nil {
		c.SlotTimes = make(map[reminder.Slot]reminder.ClockTime, len(s.SlotTimes))
		for k, v := range s.SlotTimes {
			c.SlotTimes[k] = v
		}
	}
	c.ChannelsEnabled = append([]reminder.Channel(nil), s.ChannelsEnabled...)
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	if s.DeactivatedAt != nil {
		t := *s.DeactivatedAt
		c.DeactivatedAt = &t
	}
	return &c
}

func cloneAdherence(r *reminder.AdherenceRecord) *reminder.AdherenceRecord {
	c := *r
	if r.LastDoseTime != nil {
		t := *r.LastDoseTime
		c.LastDoseTime = &t
	}
	return &c
}
