package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type createCourseRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Items       []string `json:"items"`
	PostalCode  string   `json:"postalCode"`
}

func (a *App) HandleCreateCourse(w http.ResponseWriter, r *http.Request) {
	var req createCourseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Title is required")
		return
	}
	c := &Course{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Description: req.Description,
		Items:       req.Items,
		PostalCode:  req.PostalCode,
	}
	if err := a.store.CreateCourse(r.Context(), c); err != nil {
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusConflict, "COURSE_EXISTS", "Course with this title already exists")
			return
		}
		a.log.Error("create course", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create course")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *App) HandleListCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := a.store.ListCourses(r.Context())
	if err != nil {
		a.log.Error("list courses", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list courses")
		return
	}
	writeJSON(w, http.StatusOK, courses)
}

func (a *App) HandleGetCourse(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed course id")
		return
	}
	c, err := a.store.GetCourseByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Course not found")
			return
		}
		a.log.Error("get course", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type enrollRequest struct {
	CourseID string `json:"courseId"`
}

// HandleEnrollUser links a user to a course. The add is a set insert at the
// store, so repeating the call (or racing it) leaves exactly one link.
// Malformed ids are rejected before the store is touched; a missing entity
// mutates nothing.
func (a *App) HandleEnrollUser(w http.ResponseWriter, r *http.Request) {
	a.handleEnroll(w, r, a.store.EnrollUserInCourse)
}

func (a *App) HandleEnrollSubscriber(w http.ResponseWriter, r *http.Request) {
	a.handleEnroll(w, r, a.store.EnrollSubscriberInCourse)
}

func (a *App) handleEnroll(w http.ResponseWriter, r *http.Request, link func(ctx context.Context, ownerID, courseID string) error) {
	ownerID := mux.Vars(r)["id"]
	if _, err := uuid.Parse(ownerID); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed id")
		return
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if _, err := uuid.Parse(req.CourseID); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Malformed course id")
		return
	}
	if err := link(r.Context(), ownerID, req.CourseID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Entity not found")
			return
		}
		a.log.Error("enroll", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Enrollment failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscribeRequest struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	PostalCode string `json:"postalCode"`
}

// HandleSubscribe is the public, rate-limited entry point.
func (a *App) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	email := NormalizeEmail(req.Email)
	if !validEmail(email) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "A valid email is required")
		return
	}
	sub := &Subscriber{
		ID:         uuid.New().String(),
		Email:      email,
		Name:       req.Name,
		PostalCode: req.PostalCode,
	}
	if err := a.store.CreateSubscriber(r.Context(), sub); err != nil {
		if errors.Is(err, ErrConflict) {
			writeError(w, http.StatusConflict, "SUBSCRIBER_EXISTS", "Subscriber with this email already exists")
			return
		}
		a.log.Error("create subscriber", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to subscribe")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}
