package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore backs the Store interface with PostgreSQL. The schema is
// managed by migrations (see migrations/ and cmd/migrate); the constructor
// only verifies connectivity.
type PostgresStore struct {
	db  *sql.DB
	dsn string
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresStore{db: d, dsn: dsn}
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func pgUnique(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	now := time.Now()
	u.Email = NormalizeEmail(u.Email)
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users(id,first_name,last_name,email,password_hash,subscriber_id,created_at,updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		u.ID, u.FirstName, u.LastName, u.Email, u.PasswordHash, nullString(u.SubscriberID), now, now)
	if pgUnique(err) {
		return ErrConflict
	}
	return err
}

const pgUserCols = `id,first_name,last_name,email,password_hash,subscriber_id,created_at,updated_at`

func (p *PostgresStore) scanUser(ctx context.Context, row *sql.Row) (*User, error) {
	var u User
	var subID sql.NullString
	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.PasswordHash, &subID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if subID.Valid {
		u.SubscriberID = subID.String
	}
	courseIDs, err := p.courseIDs(ctx, `SELECT course_id FROM user_courses WHERE user_id = $1`, u.ID)
	if err != nil {
		return nil, err
	}
	u.CourseIDs = courseIDs
	return &u, nil
}

func (p *PostgresStore) courseIDs(ctx context.Context, query, id string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query+` ORDER BY course_id`, id)
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

func (p *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgUserCols+` FROM users WHERE email = $1`, NormalizeEmail(email))
	return p.scanUser(ctx, row)
}

func (p *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+pgUserCols+` FROM users WHERE id = $1`, id)
	return p.scanUser(ctx, row)
}

func (p *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	u.Email = NormalizeEmail(u.Email)
	u.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET first_name=$1, last_name=$2, email=$3, password_hash=$4, subscriber_id=$5, updated_at=$6 WHERE id=$7`,
		u.FirstName, u.LastName, u.Email, u.PasswordHash, nullString(u.SubscriberID), u.UpdatedAt, u.ID)
	if pgUnique(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_courses WHERE user_id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	sub.Email = NormalizeEmail(sub.Email)
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO subscribers(id,email,name,postal_code) VALUES($1,$2,$3,$4)`,
		sub.ID, sub.Email, sub.Name, sub.PostalCode)
	if pgUnique(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) scanSubscriber(ctx context.Context, row *sql.Row) (*Subscriber, error) {
	var sub Subscriber
	if err := row.Scan(&sub.ID, &sub.Email, &sub.Name, &sub.PostalCode); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	courseIDs, err := p.courseIDs(ctx, `SELECT course_id FROM subscriber_courses WHERE subscriber_id = $1`, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.CourseIDs = courseIDs
	return &sub, nil
}

func (p *PostgresStore) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id,email,name,postal_code FROM subscribers WHERE email = $1`, NormalizeEmail(email))
	return p.scanSubscriber(ctx, row)
}

func (p *PostgresStore) GetSubscriberByID(ctx context.Context, id string) (*Subscriber, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id,email,name,postal_code FROM subscribers WHERE id = $1`, id)
	return p.scanSubscriber(ctx, row)
}

func (p *PostgresStore) CreateCourse(ctx context.Context, c *Course) error {
	c.Items = NormalizeItems(c.Items)
	items, err := json.Marshal(c.Items)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO courses(id,title,description,items,postal_code) VALUES($1,$2,$3,$4,$5)`,
		c.ID, c.Title, c.Description, string(items), c.PostalCode)
	if pgUnique(err) {
		return ErrConflict
	}
	return err
}

func (p *PostgresStore) GetCourseByID(ctx context.Context, id string) (*Course, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id,title,description,items,postal_code FROM courses WHERE id = $1`, id)
	return scanCourse(row)
}

func (p *PostgresStore) ListCourses(ctx context.Context) ([]*Course, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id,title,description,items,postal_code FROM courses ORDER BY title`)
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

func (p *PostgresStore) EnrollUserInCourse(ctx context.Context, userID, courseID string) error {
	return p.enroll(ctx, `users`, `user_courses`, `user_id`, userID, courseID)
}

func (p *PostgresStore) EnrollSubscriberInCourse(ctx context.Context, subscriberID, courseID string) error {
	return p.enroll(ctx, `subscribers`, `subscriber_courses`, `subscriber_id`, subscriberID, courseID)
}

// enroll verifies both entities and adds the pair in one transaction.
// ON CONFLICT DO NOTHING against the composite primary key keeps the add
// idempotent and duplicate-free under concurrent callers.
func (p *PostgresStore) enroll(ctx context.Context, ownerTable, joinTable, ownerCol, ownerID, courseID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+ownerTable+` WHERE id = $1`, ownerID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM courses WHERE id = $1`, courseID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+joinTable+`(`+ownerCol+`,course_id) VALUES($1,$2) ON CONFLICT DO NOTHING`, ownerID, courseID); err != nil {
		return err
	}
	return tx.Commit()
}

// lifecycle helpers
func (p *PostgresStore) close() error { return p.db.Close() }
func (p *PostgresStore) ping() bool   { return p.db.Ping() == nil }
