package models

import "time"

type BenefitStatus string

const (
	BenefitActive  BenefitStatus = "active"
	BenefitExpired BenefitStatus = "expired"
)

// Benefit carries only the fields the expiry sweep reads and writes.
type Benefit struct {
	ID        string        `json:"id"`
	Status    BenefitStatus `json:"status"`
	EndDate   time.Time     `json:"endDate"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
