package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const (
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID        string    `bun:"id,pk" json:"id"`
	Name      string    `bun:"name" json:"name"`
	Phone     string    `bun:"phone" json:"phone,omitempty"`
	Email     string    `bun:"email" json:"email,omitempty"`
	Role      string    `bun:"role,notnull,default:'customer'" json:"role"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}

type Address struct {
	bun.BaseModel `bun:"table:addresses,alias:a"`

	ID      string `bun:"id,pk" json:"id"`
	UserID  string `bun:"user_id,notnull" json:"userId"`
	Label   string `bun:"label" json:"label,omitempty"`
	Line1   string `bun:"line1,notnull" json:"line1"`
	Line2   string `bun:"line2" json:"line2,omitempty"`
	City    string `bun:"city,notnull" json:"city"`
	Pincode string `bun:"pincode,notnull" json:"pincode"`
}

// Snapshot renders the address as the text frozen onto an order.
func (a *Address) Snapshot() string {
	parts := []string{a.Line1}
	if a.Line2 != "" {
		parts = append(parts, a.Line2)
	}
	parts = append(parts, fmt.Sprintf("%s - %s", a.City, a.Pincode))
	return strings.Join(parts, ", ")
}
