package safety

import (
	"strings"
	"time"

	"github.com/linnemanlabs/safeguard/internal/geo"
)

// Category classifies a panic event.
type Category string

const (
	CategoryViolence   Category = "violence"
	CategoryRobbery    Category = "robbery"
	CategoryKidnapping Category = "kidnapping"
	CategoryBurglary   Category = "burglary"
	CategoryMedical    Category = "medical"
	CategoryFire       Category = "fire"
	CategoryHarassment Category = "harassment"
	CategoryOther      Category = "other"
)

var categoryLabels = map[Category]string{
	CategoryViolence:   "Violence/Assault",
	CategoryRobbery:    "Armed Robbery",
	CategoryKidnapping: "Kidnapping/Abduction",
	CategoryBurglary:   "Break-in/Burglary",
	CategoryMedical:    "Medical Emergency",
	CategoryFire:       "Fire/Accident",
	CategoryHarassment: "Harassment/Stalking",
	CategoryOther:      "Emergency",
}

// ParseCategory maps client input to a Category. Empty input is CategoryOther.
func ParseCategory(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return CategoryOther, nil
	case "breakin", "break-in":
		return CategoryBurglary, nil
	}
	c := Category(s)
	if _, ok := categoryLabels[c]; !ok {
		return "", &ValidationError{Field: "category", Reason: "unknown category " + s}
	}
	return c, nil
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Label is the human readable alert label.
func (c Category) Label() string {
	if l, ok := categoryLabels[c]; ok {
		return l
	}
	return categoryLabels[CategoryOther]
}

// PanicState is the lifecycle state of a PanicEvent.
type PanicState string

const (
	PanicActive      PanicState = "active"
	PanicDeactivated PanicState = "deactivated"
)

// EscortState is the lifecycle state of an EscortSession.
type EscortState string

const (
	EscortActive EscortState = "active"
	EscortEnded  EscortState = "ended"
)

// Kind names an aggregate type in logs, metrics and errors.
type Kind string

const (
	KindPanic     Kind = "panic"
	KindEscort    Kind = "escort"
	KindResponder Kind = "responder"
	KindTrack     Kind = "track"
)

// TrailPoint is one location report.
type TrailPoint struct {
	Position geo.Coordinate `json:"position"`
	Accuracy float64        `json:"accuracy,omitempty"`
	At       time.Time      `json:"at"`
}

// NextTrailPoint returns pt with its timestamp clamped so the trail never
// goes backwards in time.
func NextTrailPoint(last time.Time, pt TrailPoint) TrailPoint {
	if pt.At.Before(last) {
		pt.At = last
	}
	return pt
}

// DispatchRecord is the delivery summary recorded on an aggregate after its
// background dispatch finishes.
type DispatchRecord struct {
	Matched     int       `json:"matched"`
	Degraded    bool      `json:"degraded"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	CompletedAt time.Time `json:"completed_at"`
}

// PanicEvent is a civilian emergency alert.
//
// Trail is populated by single-aggregate reads. List reads leave it nil and
// only carry LastPoint and TrailLen.
type PanicEvent struct {
	ID            string          `json:"id"`
	ReporterID    string          `json:"reporter_id"`
	Category      Category        `json:"category"`
	State         PanicState      `json:"state"`
	Trail         []TrailPoint    `json:"trail,omitempty"`
	LastPoint     TrailPoint      `json:"last_point"`
	TrailLen      int             `json:"trail_len"`
	ActivatedAt   time.Time       `json:"activated_at"`
	DeactivatedAt *time.Time      `json:"deactivated_at,omitempty"`
	Dispatch      *DispatchRecord `json:"dispatch,omitempty"`
}

// Active reports whether the event still accepts location updates.
func (p *PanicEvent) Active() bool { return p.State == PanicActive }

// EscortSession is a premium escorted trip.
type EscortSession struct {
	ID                string          `json:"id"`
	RiderID           string          `json:"rider_id"`
	State             EscortState     `json:"state"`
	Trail             []TrailPoint    `json:"trail,omitempty"`
	LastPoint         TrailPoint      `json:"last_point"`
	TrailLen          int             `json:"trail_len"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	RetentionDeadline *time.Time      `json:"retention_deadline,omitempty"`
	PurgedAt          *time.Time      `json:"purged_at,omitempty"`
	Dispatch          *DispatchRecord `json:"dispatch,omitempty"`
}

// Active reports whether the session still accepts location updates.
func (s *EscortSession) Active() bool { return s.State == EscortActive }

// LiveTrack is the current-point projection of an active escort.
type LiveTrack struct {
	SessionID string     `json:"session_id"`
	RiderID   string     `json:"rider_id"`
	Point     TrailPoint `json:"point"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Role is a responder's team role.
type Role string

const (
	RoleTeamMember Role = "team_member"
	RoleSupervisor Role = "supervisor"
)

// DefaultRadiusKm is the search radius a responder starts with.
func (r Role) DefaultRadiusKm() float64 {
	if r == RoleSupervisor {
		return 25
	}
	return 10
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleTeamMember || r == RoleSupervisor
}

// ResponderStatus is a responder's self-reported availability.
type ResponderStatus string

const (
	StatusAvailable  ResponderStatus = "available"
	StatusBusy       ResponderStatus = "busy"
	StatusResponding ResponderStatus = "responding"
	StatusOffline    ResponderStatus = "offline"
)

// Valid reports whether s is a known status.
func (s ResponderStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusResponding, StatusOffline:
		return true
	}
	return false
}

// Responder is a registered security team member. Only the responder's own
// update path writes this record.
type Responder struct {
	ID                string          `json:"id"`
	Role              Role            `json:"role"`
	Position          *geo.Coordinate `json:"position,omitempty"`
	PositionUpdatedAt time.Time       `json:"position_updated_at,omitzero"`
	RadiusKm          float64         `json:"radius_km"`
	Visible           bool            `json:"visible"`
	Status            ResponderStatus `json:"status"`
	PushToken         string          `json:"push_token,omitempty"`
	Email             string          `json:"email,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Eligible reports whether the responder can be matched at all.
func (r *Responder) Eligible() bool {
	return r.Visible && r.Status != StatusOffline && r.Position != nil
}

// Recipient returns the delivery addresses for the responder.
func (r *Responder) Recipient() Recipient {
	return Recipient{ID: r.ID, PushToken: r.PushToken, Email: r.Email}
}
