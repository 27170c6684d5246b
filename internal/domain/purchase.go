package domain

import (
	"time"
)

// Plan is a purchasable consultation bundle. Plans are static catalog data.
type Plan struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Price       int    `json:"price"`
	Credits     int    `json:"credits"`
	Description string `json:"description"`
}

// PurchaseStatus tracks the lifecycle of a purchase.
type PurchaseStatus string

const (
	// PurchasePending means payment is still "processing" (stubbed delay).
	PurchasePending PurchaseStatus = "pending"
	// PurchaseSettled means credits have been granted to the account.
	PurchaseSettled PurchaseStatus = "settled"
)

// Purchase records one plan purchase for a user.
type Purchase struct {
	PurchaseID string         `json:"purchase_id"`
	UserID     string         `json:"user_id"`
	PlanID     string         `json:"plan_id"`
	Credits    int            `json:"credits"`
	Status     PurchaseStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	SettledAt  *time.Time     `json:"settled_at,omitempty"`
}
