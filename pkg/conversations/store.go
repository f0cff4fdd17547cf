package conversations

import "time"

// Store persists and queries session Records.
type Store interface {
	Save(record Record) error
	Load(id string) (Record, error)
	Delete(id string) error
	List() ([]Summary, error)
	Query(opts QueryOptions) ([]Summary, error)
	Close() error
}

// QueryOptions filters and orders a Query call.
type QueryOptions struct {
	StartDate  *time.Time
	EndDate    *time.Time
	SearchTerm string
	SortBy     string // "updated" (default), "created", "messages"
	SortOrder  string // "desc" (default), "asc"
	Limit      int
	Offset     int
}
