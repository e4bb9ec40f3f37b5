package httpapi

import (
	"time"

	"attend/cmd/internal/attendance"
)

type sessionResponse struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Location string            `json:"location"`
	Status   attendance.Status `json:"status"`
	Usable   bool              `json:"usable"`

	Token          string    `json:"token"`
	CheckInURL     string    `json:"checkInUrl"`
	TokenRotatedAt time.Time `json:"tokenRotatedAt"`

	StartsAt  time.Time  `json:"startsAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Notes     string     `json:"notes"`
	CreatedBy *string    `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ClosedAt  *time.Time `json:"closedAt"`

	CheckInCount *int `json:"checkInCount,omitempty"`
}

type checkInResponse struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"sessionId"`
	Name        string            `json:"name"`
	Email       *string           `json:"email"`
	Location    string            `json:"location"`
	CheckedInAt time.Time         `json:"checkedInAt"`
	UserID      *string           `json:"userId"`
	Source      attendance.Source `json:"source"`
	RecordedBy  *string           `json:"recordedBy,omitempty"`
}

type checkInLinkResponse struct {
	SessionID string            `json:"sessionId"`
	Name      string            `json:"name"`
	Location  string            `json:"location"`
	ExpiresAt time.Time         `json:"expiresAt"`
	Sites     []attendance.Site `json:"sites"`
}

type notesRequest struct {
	Notes string `json:"notes"`
}

type publicCheckInRequest struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Location string `json:"location"`
}

func (h *handler) toSessionResponse(s attendance.Session, now time.Time) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		Name:           s.Name,
		Location:       s.Location,
		Status:         s.EffectiveStatus(now),
		Usable:         s.Usable(now),
		Token:          s.CurrentToken,
		CheckInURL:     h.svc.CheckInURL(s),
		TokenRotatedAt: s.TokenRotatedAt,
		StartsAt:       s.StartsAt,
		ExpiresAt:      s.ExpiresAt,
		Notes:          s.Notes,
		CreatedBy:      s.CreatedBy,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		ClosedAt:       s.ClosedAt,
	}
}

func toCheckInResponse(ci attendance.CheckIn) checkInResponse {
	return checkInResponse{
		ID:          ci.ID,
		SessionID:   ci.SessionID,
		Name:        ci.Name,
		Email:       ci.Email,
		Location:    ci.Location,
		CheckedInAt: ci.CheckedInAt,
		UserID:      ci.UserID,
		Source:      ci.Source,
		RecordedBy:  ci.RecordedBy,
	}
}
