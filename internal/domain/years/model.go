package years

import "time"

// Year — членский год. Cap — максимум занимающих членств.
type Year struct {
	ID       int64
	Year     int
	OpensAt  time.Time
	Deadline time.Time
	Cap      int
	CreatedAt time.Time
}

// Tier — необязательная надстройка для заявок до активации.
type Tier struct {
	ID         int64
	Name       string
	PriceCents int64
	Active     bool
}
