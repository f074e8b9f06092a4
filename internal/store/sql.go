package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// sqlStore implements every repository on top of database/sql. SQLiteStore and
// PostgresStore embed it and only differ in driver setup and placeholder style.
// Each mutation is a single statement, so concurrent writers never lose updates.
type sqlStore struct {
	db     *sql.DB
	name   string
	rebind func(string) string
}

func (s *sqlStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...interface{}) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

func (s *sqlStore) AppendHistory(phone string, entry models.HistoryEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.exec(`INSERT INTO lead_history (phone, role, message, tag, created_at) VALUES (?, ?, ?, ?, ?)`,
		phone, string(entry.Role), entry.Message, nilIfEmpty(string(entry.Tag)), ts.UTC())
	if err != nil {
		slog.Error(s.name+" AppendHistory failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to append history for %s: %w", phone, err)
	}
	slog.Debug(s.name+" AppendHistory succeeded", "phone", phone, "role", entry.Role, "tag", entry.Tag)
	return nil
}

func (s *sqlStore) GetHistory(phone string) ([]models.HistoryEntry, error) {
	rows, err := s.query(`SELECT role, message, tag, created_at FROM lead_history WHERE phone = ? ORDER BY id ASC`, phone)
	if err != nil {
		slog.Error(s.name+" GetHistory query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query history for %s: %w", phone, err)
	}
	defer rows.Close()

	history := []models.HistoryEntry{}
	for rows.Next() {
		var e models.HistoryEntry
		var role string
		var tag sql.NullString
		if err := rows.Scan(&role, &e.Message, &tag, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Role = models.Role(role)
		e.Tag = models.Tag(tag.String)
		history = append(history, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return history, nil
}

func (s *sqlStore) SetLeadState(phone, state string) error {
	_, err := s.exec(`INSERT INTO lead_states (phone, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (phone) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		phone, state, time.Now().UTC())
	if err != nil {
		slog.Error(s.name+" SetLeadState failed", "error", err, "phone", phone, "state", state)
		return fmt.Errorf("failed to set lead state for %s: %w", phone, err)
	}
	return nil
}

func (s *sqlStore) GetLeadState(phone string) (*models.LeadState, error) {
	var st models.LeadState
	err := s.queryRow(`SELECT phone, state, updated_at FROM lead_states WHERE phone = ?`, phone).
		Scan(&st.Phone, &st.State, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead state for %s: %w", phone, err)
	}
	return &st, nil
}

func (s *sqlStore) SaveNameMapping(m models.PhoneNameMapping) error {
	if m.NormalizedName == "" {
		return models.ErrEmptyName
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.exec(`INSERT INTO phone_name_mappings (normalized_name, phone, original_name, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (normalized_name) DO UPDATE SET phone = excluded.phone, original_name = excluded.original_name, created_at = excluded.created_at`,
		m.NormalizedName, m.Phone, m.OriginalName, created.UTC())
	if err != nil {
		slog.Error(s.name+" SaveNameMapping failed", "error", err, "name", m.NormalizedName)
		return fmt.Errorf("failed to save name mapping %q: %w", m.NormalizedName, err)
	}
	slog.Debug(s.name+" SaveNameMapping succeeded", "name", m.NormalizedName, "phone", m.Phone)
	return nil
}

func (s *sqlStore) GetNameMapping(normalizedName string) (*models.PhoneNameMapping, error) {
	var m models.PhoneNameMapping
	err := s.queryRow(`SELECT normalized_name, phone, original_name, created_at FROM phone_name_mappings WHERE normalized_name = ?`, normalizedName).
		Scan(&m.NormalizedName, &m.Phone, &m.OriginalName, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get name mapping %q: %w", normalizedName, err)
	}
	return &m, nil
}

func (s *sqlStore) ListNameMappings() ([]models.PhoneNameMapping, error) {
	rows, err := s.query(`SELECT normalized_name, phone, original_name, created_at FROM phone_name_mappings ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query name mappings: %w", err)
	}
	defer rows.Close()

	var out []models.PhoneNameMapping
	for rows.Next() {
		var m models.PhoneNameMapping
		if err := rows.Scan(&m.NormalizedName, &m.Phone, &m.OriginalName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan name mapping row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate name mapping rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) SaveMeeting(m models.MeetingSchedule) error {
	if m.Phone == "" {
		return models.ErrEmptyPhone
	}
	_, err := s.exec(`INSERT INTO meeting_schedules (phone, name, email, meeting_at, meet_link, scheduled_at, status) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone) DO UPDATE SET name = excluded.name, email = excluded.email, meeting_at = excluded.meeting_at,
			meet_link = excluded.meet_link, scheduled_at = excluded.scheduled_at, status = excluded.status`,
		m.Phone, m.Name, m.Email, m.MeetingAt.UTC(), nilIfEmpty(m.MeetLink), m.ScheduledAt.UTC(), string(m.Status))
	if err != nil {
		slog.Error(s.name+" SaveMeeting failed", "error", err, "phone", m.Phone)
		return fmt.Errorf("failed to save meeting for %s: %w", m.Phone, err)
	}
	slog.Debug(s.name+" SaveMeeting succeeded", "phone", m.Phone, "meeting_at", m.MeetingAt)
	return nil
}

func (s *sqlStore) GetMeeting(phone string) (*models.MeetingSchedule, error) {
	var m models.MeetingSchedule
	var link sql.NullString
	var status string
	err := s.queryRow(`SELECT phone, name, email, meeting_at, meet_link, scheduled_at, status FROM meeting_schedules WHERE phone = ?`, phone).
		Scan(&m.Phone, &m.Name, &m.Email, &m.MeetingAt, &link, &m.ScheduledAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting for %s: %w", phone, err)
	}
	m.MeetLink = link.String
	m.Status = models.MeetingStatus(status)
	return &m, nil
}

func (s *sqlStore) SaveReminderPermission(p models.ReminderPermission) error {
	if p.Phone == "" {
		return models.ErrEmptyPhone
	}
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.exec(`INSERT INTO reminder_permissions (phone, status, waiting_response, asked_at, responded_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (phone) DO UPDATE SET status = excluded.status, waiting_response = excluded.waiting_response,
			asked_at = excluded.asked_at, responded_at = excluded.responded_at, updated_at = excluded.updated_at`,
		p.Phone, string(p.Status), p.WaitingResponse, nilIfNoTime(p.AskedAt), nilIfNoTime(p.RespondedAt), updated.UTC())
	if err != nil {
		slog.Error(s.name+" SaveReminderPermission failed", "error", err, "phone", p.Phone)
		return fmt.Errorf("failed to save reminder permission for %s: %w", p.Phone, err)
	}
	slog.Debug(s.name+" SaveReminderPermission succeeded", "phone", p.Phone, "status", p.Status, "waiting", p.WaitingResponse)
	return nil
}

func (s *sqlStore) GetReminderPermission(phone string) (*models.ReminderPermission, error) {
	var p models.ReminderPermission
	var status string
	var asked, responded sql.NullTime
	err := s.queryRow(`SELECT phone, status, waiting_response, asked_at, responded_at, updated_at FROM reminder_permissions WHERE phone = ?`, phone).
		Scan(&p.Phone, &status, &p.WaitingResponse, &asked, &responded, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reminder permission for %s: %w", phone, err)
	}
	p.Status = models.PermissionStatus(status)
	p.AskedAt = timePtr(asked)
	p.RespondedAt = timePtr(responded)
	return &p, nil
}

func (s *sqlStore) AddPendingReminder(r models.PendingReminder) error {
	_, err := s.exec(`INSERT INTO pending_reminders (id, phone, name, meeting_at, type, send_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Phone, r.Name, r.MeetingAt.UTC(), string(r.Type), r.SendAt.UTC(), r.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+" AddPendingReminder failed", "error", err, "phone", r.Phone, "type", r.Type)
		return fmt.Errorf("failed to add pending reminder for %s: %w", r.Phone, err)
	}
	return nil
}

func (s *sqlStore) ListPendingReminders() ([]models.PendingReminder, error) {
	rows, err := s.query(`SELECT id, phone, name, meeting_at, type, send_at, created_at FROM pending_reminders ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending reminders: %w", err)
	}
	defer rows.Close()

	var out []models.PendingReminder
	for rows.Next() {
		var r models.PendingReminder
		var typ string
		if err := rows.Scan(&r.ID, &r.Phone, &r.Name, &r.MeetingAt, &typ, &r.SendAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending reminder row: %w", err)
		}
		r.Type = models.ReminderType(typ)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending reminder rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) DeletePendingReminder(id string) (bool, error) {
	res, err := s.exec(`DELETE FROM pending_reminders WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending reminder %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) DeletePendingRemindersByPhone(phone string) (int, error) {
	res, err := s.exec(`DELETE FROM pending_reminders WHERE phone = ?`, phone)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending reminders for %s: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) AddPendingFollowUp(f models.PendingFollowUp) error {
	_, err := s.exec(`INSERT INTO pending_followups (id, phone, name, type, calendar_link, send_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Phone, f.Name, string(f.Type), f.CalendarLink, f.SendAt.UTC(), f.CreatedAt.UTC())
	if err != nil {
		slog.Error(s.name+" AddPendingFollowUp failed", "error", err, "phone", f.Phone, "type", f.Type)
		return fmt.Errorf("failed to add pending follow-up for %s: %w", f.Phone, err)
	}
	return nil
}

func (s *sqlStore) ListPendingFollowUps() ([]models.PendingFollowUp, error) {
	rows, err := s.query(`SELECT id, phone, name, type, calendar_link, send_at, created_at FROM pending_followups ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending follow-ups: %w", err)
	}
	defer rows.Close()

	var out []models.PendingFollowUp
	for rows.Next() {
		var f models.PendingFollowUp
		var typ string
		if err := rows.Scan(&f.ID, &f.Phone, &f.Name, &typ, &f.CalendarLink, &f.SendAt, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending follow-up row: %w", err)
		}
		f.Type = models.FollowUpType(typ)
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending follow-up rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) DeletePendingFollowUp(id string) (bool, error) {
	res, err := s.exec(`DELETE FROM pending_followups WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending follow-up %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) DeletePendingFollowUpsByPhone(phone string) (int, error) {
	res, err := s.exec(`DELETE FROM pending_followups WHERE phone = ?`, phone)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending follow-ups for %s: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
