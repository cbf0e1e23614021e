package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
	"github.com/drfirst/go-adherence/internal/engine"
)

// Directory reads patients from the patients table. Contacts are matched on
// their normalized form.
type Directory struct {
	pool *pgxpool.Pool
}

var _ engine.PatientDirectory = (*Directory)(nil)

// NewDirectory creates a directory on pool
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

const patientColumns = `id, name, contact, language, family_contact, channel_preferences`

func scanPatient(row pgx.Row) (*reminder.Patient, error) {
	var (
		p        reminder.Patient
		family   *string
		channels []string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Contact, &p.Language, &family, &channels)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminder.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan patient: %w", err)
	}
	if family != nil {
		p.FamilyContact = *family
	}
	for _, ch := range channels {
		p.ChannelPreferences = append(p.ChannelPreferences, reminder.Channel(ch))
	}
	return &p, nil
}

// Lookup implements engine.PatientDirectory
func (d *Directory) Lookup(ctx context.Context, patientID string) (*reminder.Patient, error) {
	return scanPatient(d.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = $1`, patientID))
}

// LookupByContact implements engine.PatientDirectory
func (d *Directory) LookupByContact(ctx context.Context, contact string) (*reminder.Patient, error) {
	key := reminder.NormalizeContact(contact)
	if key == "" {
		return nil, reminder.ErrNotFound
	}
	return scanPatient(d.pool.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE contact_key = $1`, key))
}

// Upsert stores a patient, replacing any previous record with the same id
func (d *Directory) Upsert(ctx context.Context, p reminder.Patient) error {
	channels := make([]string, 0, len(p.ChannelPreferences))
	for _, ch := range p.ChannelPreferences {
		channels = append(channels, string(ch))
	}
	var family *string
	if p.FamilyContact != "" {
		family = &p.FamilyContact
	}
	language := p.Language
	if language == "" {
		language = "en"
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO patients (id, name, contact, contact_key, language, family_contact, channel_preferences, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, contact = EXCLUDED.contact, contact_key = EXCLUDED.contact_key,
			language = EXCLUDED.language, family_contact = EXCLUDED.family_contact,
			channel_preferences = EXCLUDED.channel_preferences, updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, p.Contact, reminder.NormalizeContact(p.Contact), language, family, channels, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert patient %s: %w", p.ID, err)
	}
	return nil
}
