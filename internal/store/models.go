package store

import (
	"time"

	"lessonplan/api/internal/rbac"
)

// DocumentMetadata is the directory-facing record of a lesson plan. The room
// holds the content; this row holds ownership, title, and access.
type DocumentMetadata struct {
	ID               string                       `json:"id"`
	CreatorID        string                       `json:"creatorId"`
	Email            string                       `json:"email"`
	Title            string                       `json:"title"`
	CreatedAt        time.Time                    `json:"createdAt"`
	UpdatedAt        time.Time                    `json:"updatedAt"`
	LastConnectionAt *time.Time                   `json:"lastConnectionAt,omitempty"`
	Access           map[string][]rbac.Capability `json:"access"`
}

// AccessFor returns the capabilities userID holds on the document. The
// creator always holds full access.
func (d DocumentMetadata) AccessFor(userID string) []rbac.Capability {
	if userID != "" && userID == d.CreatorID {
		return rbac.FullAccess()
	}
	return d.Access[userID]
}

type AccessEntry struct {
	DocumentID   string            `json:"documentId"`
	UserID       string            `json:"userId"`
	Capabilities []rbac.Capability `json:"capabilities"`
	GrantedAt    time.Time         `json:"grantedAt"`
}
