package main

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the persistence collaborator. Implementations are selected by
// configuration: memory (tests, demos), sqlite, or postgres.
//
// Lookups return ErrNotFound when the entity is absent and ErrConflict on
// unique-key violations (email, course title). Enrollment operations are
// atomic add-to-set: idempotent under retries and duplicate-free under
// concurrent callers.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, u *User) error
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id string) error
	// Subscriber operations
	CreateSubscriber(ctx context.Context, s *Subscriber) error
	GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error)
	GetSubscriberByID(ctx context.Context, id string) (*Subscriber, error)
	// Course operations
	CreateCourse(ctx context.Context, c *Course) error
	GetCourseByID(ctx context.Context, id string) (*Course, error)
	ListCourses(ctx context.Context) ([]*Course, error)
	// Enrollment operations (atomic add-to-set)
	EnrollUserInCourse(ctx context.Context, userID, courseID string) error
	EnrollSubscriberInCourse(ctx context.Context, subscriberID, courseID string) error
}

// MemStore keeps everything in maps behind a single RWMutex. It exists for
// tests and local demos; set semantics for enrollments come from
// map-of-sets, so repeated and concurrent links collapse to one entry.
type MemStore struct {
	mu sync.RWMutex

	users       map[string]*User       // by id
	usersByMail map[string]string      // normalized email -> id
	subs        map[string]*Subscriber // by id
	subsByMail  map[string]string
	courses     map[string]*Course // by id
	courseTitle map[string]string  // title -> id

	userCourses map[string]map[string]struct{}
	subCourses  map[string]map[string]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:       map[string]*User{},
		usersByMail: map[string]string{},
		subs:        map[string]*Subscriber{},
		subsByMail:  map[string]string{},
		courses:     map[string]*Course{},
		courseTitle: map[string]string{},
		userCourses: map[string]map[string]struct{}{},
		subCourses:  map[string]map[string]struct{}{},
	}
}

func (m *MemStore) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := NormalizeEmail(u.Email)
	if _, ok := m.usersByMail[email]; ok {
		return ErrConflict
	}
	now := time.Now()
	u.Email = email
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	m.users[u.ID] = &cp
	m.usersByMail[email] = u.ID
	return nil
}

func (m *MemStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.usersByMail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.userLocked(id)
}

func (m *MemStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.userLocked(id)
}

// userLocked copies a user and materializes its enrollment set. Callers hold
// at least the read lock.
func (m *MemStore) userLocked(id string) (*User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	cp.CourseIDs = setToSlice(m.userCourses[id])
	return &cp, nil
}

func (m *MemStore) UpdateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	email := NormalizeEmail(u.Email)
	if other, ok := m.usersByMail[email]; ok && other != u.ID {
		return ErrConflict
	}
	delete(m.usersByMail, cur.Email)
	u.Email = email
	u.CreatedAt = cur.CreatedAt
	u.UpdatedAt = time.Now()
	cp := *u
	m.users[u.ID] = &cp
	m.usersByMail[email] = u.ID
	return nil
}

// DeleteUser removes the user and its enrollment references. Courses and
// subscriber profiles themselves are left alone.
func (m *MemStore) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.usersByMail, u.Email)
	delete(m.users, id)
	delete(m.userCourses, id)
	return nil
}

func (m *MemStore) CreateSubscriber(ctx context.Context, s *Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := NormalizeEmail(s.Email)
	if _, ok := m.subsByMail[email]; ok {
		return ErrConflict
	}
	s.Email = email
	cp := *s
	m.subs[s.ID] = &cp
	m.subsByMail[email] = s.ID
	return nil
}

func (m *MemStore) GetSubscriberByEmail(ctx context.Context, email string) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.subsByMail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.subscriberLocked(id)
}

func (m *MemStore) GetSubscriberByID(ctx context.Context, id string) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriberLocked(id)
}

func (m *MemStore) subscriberLocked(id string) (*Subscriber, error) {
	s, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.CourseIDs = setToSlice(m.subCourses[id])
	return &cp, nil
}

func (m *MemStore) CreateCourse(ctx context.Context, c *Course) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courseTitle[c.Title]; ok {
		return ErrConflict
	}
	c.Items = NormalizeItems(c.Items)
	cp := *c
	m.courses[c.ID] = &cp
	m.courseTitle[c.Title] = c.ID
	return nil
}

func (m *MemStore) GetCourseByID(ctx context.Context, id string) (*Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) ListCourses(ctx context.Context) ([]*Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Course, 0, len(m.courses))
	for _, c := range m.courses {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

// EnrollUserInCourse adds courseID to the user's enrollment set. Both
// entities must exist; on a missing one nothing changes. The whole
// check-then-add runs under the write lock, so concurrent callers linking
// the same pair produce exactly one entry.
func (m *MemStore) EnrollUserInCourse(ctx context.Context, userID, courseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.courses[courseID]; !ok {
		return ErrNotFound
	}
	set, ok := m.userCourses[userID]
	if !ok {
		set = map[string]struct{}{}
		m.userCourses[userID] = set
	}
	set[courseID] = struct{}{}
	return nil
}

func (m *MemStore) EnrollSubscriberInCourse(ctx context.Context, subscriberID, courseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[subscriberID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.courses[courseID]; !ok {
		return ErrNotFound
	}
	set, ok := m.subCourses[subscriberID]
	if !ok {
		set = map[string]struct{}{}
		m.subCourses[subscriberID] = set
	}
	set[courseID] = struct{}{}
	return nil
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// lifecycle helpers
func (m *MemStore) close() error { return nil }
func (m *MemStore) ping() bool   { return true }
