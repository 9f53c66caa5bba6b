package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Role        string
	CreatedAt   time.Time
}

type Document struct {
	ID        string
	Title     string
	Content   string
	CreatedBy string
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Version is a named snapshot of a document. Only the lock flag changes after
// creation. Content is filled from the snapshot repository, not the table.
type Version struct {
	ID          string
	DocumentID  string
	Number      int
	Name        string
	Description string
	Content     string
	CommitHash  string
	CreatedBy   string
	CreatedAt   time.Time
	Locked      bool
}
