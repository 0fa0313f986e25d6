package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"
)

// SQLiteStore backs the Store interface with an embedded database. Set
// semantics for enrollments come from composite primary keys on the join
// tables plus INSERT OR IGNORE, so the add is atomic at the database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: d, path: path}
	if err := s.init(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			subscriber_id TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			postal_code TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS courses (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			items TEXT NOT NULL DEFAULT '[]',
			postal_code TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS user_courses (
			user_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			PRIMARY KEY (user_id, course_id)
		);`,
		`CREATE TABLE IF NOT EXISTS subscriber_courses (
			subscriber_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			PRIMARY KEY (subscriber_id, course_id)
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func sqliteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	now := time.Now()
	u.Email = NormalizeEmail(u.Email)
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id,first_name,last_name,email,password_hash,subscriber_id,created_at,updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		u.ID, u.FirstName, u.LastName, u.Email, u.PasswordHash, nullString(u.SubscriberID), now.Unix(), now.Unix())
	if sqliteUnique(err) {
		return ErrConflict
	}
	return err
}

func (s *SQLiteStore) scanUser(ctx context.Context, row *sql.Row) (*User, error) {
	var u User
	var subID sql.NullString
	var created, updated int64
	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.PasswordHash, &subID, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if subID.Valid {
		u.SubscriberID = subID.String
	}
	u.CreatedAt = time.Unix(created, 0)
	u.UpdatedAt = time.Unix(updated, 0)
	courseIDs, err := s.courseIDs(ctx, `SELECT course_id FROM user_courses WHERE user_id = ?`, u.ID)
	if err != nil {
		return nil, err
	}
	u.CourseIDs = courseIDs
	return &u, nil
}

func (s *SQLiteStore) courseIDs(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY course_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			return nil, err
		}
		out = append(out, cid)
	}
	return out, rows.Err()
}

const sqliteUserCols = `id,first_name,last_name,email,password_hash,subscriber_id,created_at,updated_at`

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteUserCols+` FROM users WHERE email = ?`, NormalizeEmail(email))
	return s.scanUser(ctx, row)
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteUserCols+` FROM users WHERE id = ?`, id)
	return s.scanUser(ctx, row)
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, u *User) error {
	u.Email = NormalizeEmail(u.Email)
	u.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET first_name=?, last_name=?, email=?, password_hash=?, subscriber_id=?, updated_at=? WHERE id=?`,
		u.FirstName, u.LastName, u.Email, u.PasswordHash, nullString(u.SubscriberID), u.UpdatedAt.Unix(), u.ID)
	if sqliteUnique(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_courses WHERE user_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	sub.Email = NormalizeEmail(sub.Email)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers(id,email,name,postal_code) VALUES(?,?,?,?)`,
		sub.ID, sub.Email, sub.Name, sub.PostalCode)
	if sqliteUnique(err) {
		return ErrConflict
	}
	return err
}

func (s *SQLiteStore) scanSubscriber(ctx context.Context, row *sql.Row) (*Subscriber, error) {
	var sub Subscriber
	if err := row.Scan(&sub.ID, &sub.Email, &sub.Name, &sub.PostalCode); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	courseIDs, err := s.courseIDs(ctx, `SELECT course_id FROM subscriber_courses WHERE subscriber_id = ?`, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.CourseIDs = courseIDs
	return &sub, nil
}

func (s *SQLiteStore) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,email,name,postal_code FROM subscribers WHERE email = ?`, NormalizeEmail(email))
	return s.scanSubscriber(ctx, row)
}

func (s *SQLiteStore) GetSubscriberByID(ctx context.Context, id string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,email,name,postal_code FROM subscribers WHERE id = ?`, id)
	return s.scanSubscriber(ctx, row)
}

func (s *SQLiteStore) CreateCourse(ctx context.Context, c *Course) error {
	c.Items = NormalizeItems(c.Items)
	items, err := json.Marshal(c.Items)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO courses(id,title,description,items,postal_code) VALUES(?,?,?,?,?)`,
		c.ID, c.Title, c.Description, string(items), c.PostalCode)
	if sqliteUnique(err) {
		return ErrConflict
	}
	return err
}

func scanCourse(row *sql.Row) (*Course, error) {
	var c Course
	var items string
	if err := row.Scan(&c.ID, &c.Title, &c.Description, &items, &c.PostalCode); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &c.Items); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteStore) GetCourseByID(ctx context.Context, id string) (*Course, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,title,description,items,postal_code FROM courses WHERE id = ?`, id)
	return scanCourse(row)
}

func (s *SQLiteStore) ListCourses(ctx context.Context) ([]*Course, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,title,description,items,postal_code FROM courses ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Course
	for rows.Next() {
		var c Course
		var items string
		if err := rows.Scan(&c.ID, &c.Title, &c.Description, &items, &c.PostalCode); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(items), &c.Items); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// EnrollUserInCourse checks both sides and adds the pair inside one
// transaction. INSERT OR IGNORE against the composite primary key makes the
// add idempotent; a missing entity rolls the whole thing back.
func (s *SQLiteStore) EnrollUserInCourse(ctx context.Context, userID, courseID string) error {
	return s.enroll(ctx, `users`, `user_courses`, `user_id`, userID, courseID)
}

func (s *SQLiteStore) EnrollSubscriberInCourse(ctx context.Context, subscriberID, courseID string) error {
	return s.enroll(ctx, `subscribers`, `subscriber_courses`, `subscriber_id`, subscriberID, courseID)
}

func (s *SQLiteStore) enroll(ctx context.Context, ownerTable, joinTable, ownerCol, ownerID, courseID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+ownerTable+` WHERE id = ?`, ownerID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM courses WHERE id = ?`, courseID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+joinTable+`(`+ownerCol+`,course_id) VALUES(?,?)`, ownerID, courseID); err != nil {
		return err
	}
	return tx.Commit()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// lifecycle helpers
func (s *SQLiteStore) close() error { return s.db.Close() }
func (s *SQLiteStore) ping() bool   { return s.db.Ping() == nil }
