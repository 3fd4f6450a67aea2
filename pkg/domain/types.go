package domain

import "time"

type MaterialStatus string

const (
	StatusPublic MaterialStatus = "public"
	StatusReview MaterialStatus = "review"
)

// Valid reports whether s is a known review state.
func (s MaterialStatus) Valid() bool {
	return s == StatusPublic || s == StatusReview
}

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

type UserStatus string

const (
	StatusActive   UserStatus = "active"
	StatusDisabled UserStatus = "disabled"
)

type Polarity string

const (
	PolarityUp   Polarity = "up"
	PolarityDown Polarity = "down"
)

// Valid reports whether p is up or down.
func (p Polarity) Valid() bool {
	return p == PolarityUp || p == PolarityDown
}

type ReportReason string

const (
	ReasonInappropriate ReportReason = "inappropriate"
	ReasonSpam          ReportReason = "spam"
	ReasonCopyright     ReportReason = "copyright"
	ReasonIncorrect     ReportReason = "incorrect"
	ReasonDuplicate     ReportReason = "duplicate"
	ReasonOther         ReportReason = "other"
)

// Valid reports whether r is one of the accepted report reasons.
func (r ReportReason) Valid() bool {
	switch r {
	case ReasonInappropriate, ReasonSpam, ReasonCopyright, ReasonIncorrect, ReasonDuplicate, ReasonOther:
		return true
	}
	return false
}

type ReportState string

const (
	ReportPending  ReportState = "pending"
	ReportResolved ReportState = "resolved"
)

type User struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Role      UserRole   `json:"role"`
	Status    UserStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// IsAdmin reports whether the user may perform moderation actions.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

type Material struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Category         Category       `json:"category"`
	SubjectID        string         `json:"subjectId,omitempty"`
	TeacherID        *string        `json:"teacherId,omitempty"`
	Program          string         `json:"program"`
	Term             string         `json:"term,omitempty"`
	Description      string         `json:"description,omitempty"`
	HasSolution      bool           `json:"hasSolution"`
	Difficulty       Difficulty     `json:"difficulty,omitempty"`
	Topics           []string       `json:"topics,omitempty"`
	BlobPath         string         `json:"-"`
	OriginalFilename string         `json:"originalFilename,omitempty"`
	Fingerprint      string         `json:"fingerprint"`
	SizeBytes        int64          `json:"sizeBytes"`
	MediaType        string         `json:"mediaType"`
	AuthorID         string         `json:"authorId"`
	PositiveVotes    int            `json:"positiveVotes"`
	NegativeVotes    int            `json:"negativeVotes"`
	ViewCount        int            `json:"viewCount"`
	DownloadCount    int            `json:"downloadCount"`
	Status           MaterialStatus `json:"status"`
	Hidden           bool           `json:"hidden"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Rating returns the approval percentage derived from the vote counters.
func (m Material) Rating() int {
	return Rating(m.PositiveVotes, m.NegativeVotes)
}

// VisibleToPublic reports whether non-administrators may observe the material.
func (m Material) VisibleToPublic() bool {
	return m.Status == StatusPublic && !m.Hidden
}

type Vote struct {
	ID         string    `json:"id"`
	MaterialID string    `json:"materialId"`
	UserID     string    `json:"userId"`
	Polarity   Polarity  `json:"polarity"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type Report struct {
	ID         string       `json:"id"`
	MaterialID string       `json:"materialId"`
	UserID     string       `json:"userId"`
	Reason     ReportReason `json:"reason"`
	Detail     string       `json:"detail,omitempty"`
	State      ReportState  `json:"state"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Metadata is the advisory form pre-fill produced from classifier output.
type Metadata struct {
	Title       string     `json:"title"`
	Category    Category   `json:"category"`
	Subject     string     `json:"subject"`
	Teacher     string     `json:"teacher"`
	Program     string     `json:"program"`
	Term        string     `json:"term"`
	Description string     `json:"description"`
	HasSolution bool       `json:"hasSolution"`
	Difficulty  Difficulty `json:"difficulty"`
	Topics      []string   `json:"topics"`
}
