package models

import "time"

// Bucket names one of the three balance buckets of a member account.
type Bucket string

const (
	BucketLiquid  Bucket = "liquid"
	BucketLocked  Bucket = "locked"
	BucketLending Bucket = "lending"
)

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketLiquid, BucketLocked, BucketLending:
		return true
	}
	return false
}

// KYC statuses.
const (
	KYCPending  = "pending"
	KYCVerified = "verified"
	KYCRejected = "rejected"
)

// Membership tiers.
const (
	TierMember   = "member"
	TierSilver   = "silver"
	TierGold     = "gold"
	TierGovernor = "governor"
)

// Account is a member's three-bucket balance sheet. All amounts are in the
// smallest currency unit.
type Account struct {
	ID             string    `json:"id"`
	LiquidBalance  int64     `json:"liquid_balance"`
	LockedBalance  int64     `json:"locked_balance"`
	LendingBalance int64     `json:"lending_balance"`
	MembershipTier string    `json:"membership_tier"`
	KYCStatus      string    `json:"kyc_status"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Total returns the sum of all three buckets.
func (a Account) Total() int64 {
	return a.LiquidBalance + a.LockedBalance + a.LendingBalance
}

// Balance returns the balance held in bucket b.
func (a Account) Balance(b Bucket) int64 {
	switch b {
	case BucketLiquid:
		return a.LiquidBalance
	case BucketLocked:
		return a.LockedBalance
	case BucketLending:
		return a.LendingBalance
	}
	return 0
}

// Adjust adds delta to bucket b. Callers check sufficiency first.
func (a *Account) Adjust(b Bucket, delta int64) {
	switch b {
	case BucketLiquid:
		a.LiquidBalance += delta
	case BucketLocked:
		a.LockedBalance += delta
	case BucketLending:
		a.LendingBalance += delta
	}
}

// Age returns how long the account has existed at now.
func (a Account) Age(now time.Time) time.Duration {
	return now.Sub(a.CreatedAt)
}
