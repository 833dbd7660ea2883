package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Property is a rental unit owned by a single owner account
type Property struct {
	ID        string    `json:"id" gorm:"type:varchar(64);primaryKey"`
	OwnerID   string    `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Property) TableName() string { return "properties" }

// Tenant is the lease holder payments are billed to. Only the fields the
// payment engine reads are modelled here.
type Tenant struct {
	ID         string          `json:"id" gorm:"type:varchar(64);primaryKey"`
	PropertyID string          `json:"property_id" gorm:"type:varchar(64);not null;index"`
	Name       string          `json:"name"`
	Email      string          `json:"email"`
	RentAmount decimal.Decimal `json:"rent_amount" gorm:"type:decimal(12,2);not null"`
	Active     bool            `json:"active" gorm:"not null;default:true;index"`
	LeaseStart *time.Time      `json:"lease_start,omitempty"`
	LeaseEnd   *time.Time      `json:"lease_end,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (t *Tenant) TableName() string { return "tenants" }

// LeaseCovers reports whether the lease is running at any point in the month
// starting at monthStart.
func (t *Tenant) LeaseCovers(monthStart time.Time) bool {
	monthEnd := monthStart.AddDate(0, 1, 0)
	if t.LeaseStart != nil && !t.LeaseStart.Before(monthEnd) {
		return false
	}
	if t.LeaseEnd != nil && t.LeaseEnd.Before(monthStart) {
		return false
	}
	return true
}
