// Package registry is the durable CRUD collaborator around the scheduling
// engine: parents and classes live in SQLite, every outbound message is
// logged, and active classes are replayed into the engine on process
// start. The engine itself holds no durable state.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"studysync/internal/engine"
	"studysync/internal/schedule"
	"studysync/pkg/logx"
)

var (
	ErrParentExists   = errors.New("parent already registered")
	ErrParentNotFound = errors.New("parent not found")
)

type Parent struct {
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	Children  []string  `json:"children"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
}

// ClassInput is the creation payload for a recurring class.
type ClassInput struct {
	ParentPhone string
	ChildName   string
	Subject     string
	Day         time.Weekday
	Hour        int
	Minute      int
	LeadMinutes int
	Timezone    string
}

type Service struct {
	db  *sql.DB
	eng *engine.Engine
	log logx.Logger
}

func New(db *sql.DB, eng *engine.Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{db: db, eng: eng, log: log}
}

// ---- Parents ----

func (s *Service) CreateParent(ctx context.Context, p Parent) error {
	if p.Children == nil {
		p.Children = []string{}
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return &schedule.ValidationError{Field: "timezone", Reason: "unknown IANA zone"}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	children, err := json.Marshal(p.Children)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO parents(phone, name, children, timezone, created_at)
		 VALUES(?,?,?,?,?) ON CONFLICT(phone) DO NOTHING`,
		p.Phone, p.Name, string(children), p.Timezone, p.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrParentExists
	}
	return nil
}

func (s *Service) GetParent(ctx context.Context, phone string) (Parent, error) {
	var (
		p        Parent
		children string
		created  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT phone, name, children, timezone, created_at FROM parents WHERE phone = ?`, phone,
	).Scan(&p.Phone, &p.Name, &children, &p.Timezone, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Parent{}, ErrParentNotFound
	}
	if err != nil {
		return Parent{}, err
	}
	if err := json.Unmarshal([]byte(children), &p.Children); err != nil {
		p.Children = nil
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return p, nil
}

func (s *Service) ListParents(ctx context.Context) ([]Parent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT phone, name, children, timezone, created_at FROM parents ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Parent{}
	for rows.Next() {
		var (
			p        Parent
			children string
			created  string
		)
		if err := rows.Scan(&p.Phone, &p.Name, &children, &p.Timezone, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(children), &p.Children); err != nil {
			p.Children = nil
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- Classes ----

// CreateClass registers the class with the engine (which validates and
// plans the first fire) and persists it. The parent must exist; its
// timezone is the default when the class carries none.
func (s *Service) CreateClass(ctx context.Context, in ClassInput) (schedule.Entry, error) {
	parent, err := s.GetParent(ctx, in.ParentPhone)
	if err != nil {
		return schedule.Entry{}, err
	}
	tz := in.Timezone
	if tz == "" {
		tz = parent.Timezone
	}

	entry, err := s.eng.Register(schedule.Entry{
		Recipient:   in.ParentPhone,
		ChildName:   in.ChildName,
		Subject:     in.Subject,
		Day:         in.Day,
		Hour:        in.Hour,
		Minute:      in.Minute,
		LeadMinutes: in.LeadMinutes,
		Timezone:    tz,
	})
	if err != nil {
		return schedule.Entry{}, err
	}

	if err := s.insertClass(ctx, entry); err != nil {
		// Keep store and database consistent: roll the registration back.
		_ = s.eng.Delete(entry.ID)
		return schedule.Entry{}, err
	}
	return entry, nil
}

func (s *Service) insertClass(ctx context.Context, e schedule.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO classes(id, parent_phone, child_name, subject, day_of_week, hour, minute, lead_minutes, timezone, active, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Recipient, e.ChildName, e.Subject, int(e.Day), e.Hour, e.Minute,
		e.LeadMinutes, e.Timezone, boolInt(e.Active), e.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// UpdateClass applies the mutation through the engine, then persists the
// resulting entry state.
func (s *Service) UpdateClass(ctx context.Context, id string, fields engine.Update) (schedule.Entry, error) {
	entry, err := s.eng.Update(id, fields)
	if err != nil {
		return schedule.Entry{}, err
	}
	return entry, s.persistClass(ctx, entry)
}

func (s *Service) DeactivateClass(ctx context.Context, id string) error {
	if err := s.eng.Deactivate(id); err != nil {
		return err
	}
	e, err := s.eng.Store().Get(id)
	if err != nil {
		return err
	}
	return s.persistClass(ctx, e)
}

func (s *Service) ActivateClass(ctx context.Context, id string) (schedule.Entry, error) {
	entry, err := s.eng.Activate(id)
	if err != nil {
		return schedule.Entry{}, err
	}
	return entry, s.persistClass(ctx, entry)
}

func (s *Service) DeleteClass(ctx context.Context, id string) error {
	if err := s.eng.Delete(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM classes WHERE id = ?`, id)
	return err
}

func (s *Service) persistClass(ctx context.Context, e schedule.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE classes SET child_name=?, subject=?, day_of_week=?, hour=?, minute=?, lead_minutes=?, timezone=?, active=?
		 WHERE id=?`,
		e.ChildName, e.Subject, int(e.Day), e.Hour, e.Minute, e.LeadMinutes, e.Timezone, boolInt(e.Active), e.ID,
	)
	return err
}

// ListClasses returns the live engine view of every class.
func (s *Service) ListClasses() []schedule.Entry {
	return s.eng.Store().ListAll()
}

// ClassesForParent filters the live view by the parent's phone.
func (s *Service) ClassesForParent(phone string) []schedule.Entry {
	var out []schedule.Entry
	for _, e := range s.eng.Store().ListAll() {
		if e.Recipient == phone {
			out = append(out, e)
		}
	}
	return out
}

// Replay loads every persisted class into the engine. Called once at
// startup, before the wake loop starts; the engine recomputes each next
// fire from now, so downtime produces a single future fire per class.
func (s *Service) Replay(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, parent_phone, child_name, subject, day_of_week, hour, minute, lead_minutes, timezone, active, created_at
		 FROM classes ORDER BY created_at`)
	if err != nil {
		return err
	}
	defer rows.Close()

	replayed := 0
	for rows.Next() {
		var (
			e       schedule.Entry
			day     int
			active  int
			created string
		)
		if err := rows.Scan(&e.ID, &e.Recipient, &e.ChildName, &e.Subject, &day,
			&e.Hour, &e.Minute, &e.LeadMinutes, &e.Timezone, &active, &created); err != nil {
			return err
		}
		e.Day = time.Weekday(day)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)

		if _, err := s.eng.Register(e); err != nil {
			// One bad row must not block the rest of the replay.
			s.log.Warn("class replay skipped", logx.String("id", e.ID), logx.Err(err))
			continue
		}
		if active == 0 {
			if err := s.eng.Deactivate(e.ID); err != nil {
				return fmt.Errorf("replay deactivate %s: %w", e.ID, err)
			}
		}
		replayed++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.log.Info("classes replayed", logx.Int("count", replayed))
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
