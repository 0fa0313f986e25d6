package main

import (
	"sort"
	"strings"
	"time"
)

// maxCourseItems caps the free-form item list on a course.
const maxCourseItems = 20

// User is the principal a request acts as. The password hash never leaves
// the process: it is excluded from every JSON serialization.
type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CourseIDs    []string  `json:"courseIds"`
	SubscriberID string    `json:"subscriberId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Subscriber may exist with no User; the two are linked by normalized email.
type Subscriber struct {
	ID         string   `json:"id"`
	Email      string   `json:"email"`
	Name       string   `json:"name"`
	PostalCode string   `json:"postalCode,omitempty"`
	CourseIDs  []string `json:"courseIds"`
}

type Course struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Items       []string `json:"items"`
	PostalCode  string   `json:"postalCode,omitempty"`
}

// NormalizeEmail trims and lower-cases an address. All store lookups and
// uniqueness checks run on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeItems deduplicates course items, drops blanks, and caps the list.
// Item order carries no meaning, so the result is sorted for stable output.
func NormalizeItems(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	sort.Strings(out)
	if len(out) > maxCourseItems {
		out = out[:maxCourseItems]
	}
	return out
}
