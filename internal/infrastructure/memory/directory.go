package memory

import (
	"context"
	"sync"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
)

// Directory is an in-memory engine.PatientDirectory
type Directory struct {
	mu        sync.RWMutex
	patients  map[string]reminder.Patient
	byContact map[string]string
}

var _ engine.PatientDirectory = (*Directory)(nil)

// NewDirectory creates a directory holding patients
func NewDirectory(patients ...reminder.Patient) *Directory {
	d := &Directory{
		patients:  make(map[string]reminder.Patient),
		byContact: make(map[string]string),
	}
	for _, p := range patients {
		d.Put(p)
	}
	return d
}

// Put adds or replaces a patient
func (d *Directory) Put(p reminder.Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.patients[p.ID]; ok {
		delete(d.byContact, reminder.NormalizeContact(old.Contact))
	}
	p.ChannelPreferences = append([]reminder.Channel(nil), p.ChannelPreferences...)
	d.patients[p.ID] = p
	if p.Contact != "" {
		d.byContact[reminder.NormalizeContact(p.Contact)] = p.ID
	}
}

// Lookup implements engine.PatientDirectory
func (d *Directory) Lookup(_ context.Context, patientID string) (*reminder.Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[patientID]
	if !ok {
		return nil, reminder.ErrNotFound
	}
	p.ChannelPreferences = append([]reminder.Channel(nil), p.ChannelPreferences...)
	return &p, nil
}

// LookupByContact implements engine.PatientDirectory
func (d *Directory) LookupByContact(ctx context.Context, contact string) (*reminder.Patient, error) {
	d.mu.RLock()
	id, ok := d.byContact[reminder.NormalizeContact(contact)]
	d.mu.RUnlock()
	if !ok {
		return nil, reminder.ErrNotFound
	}
	return d.Lookup(ctx, id)
}
