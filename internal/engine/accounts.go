package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hongminglow/coop-ledger/internal/models"
	"github.com/hongminglow/coop-ledger/internal/storage"
)

// OpenAccountRequest creates a member account. ID is generated when empty;
// CreatedAt defaults to now and may be backdated for migrated members.
type OpenAccountRequest struct {
	ID             string
	MembershipTier string
	KYCStatus      string
	CreatedAt      time.Time
}

// OpenAccount creates a member account with empty buckets.
func (e *Engine) OpenAccount(ctx context.Context, req OpenAccountRequest) (acct models.Account, err error) {
	defer func(started time.Time) { e.finish(OpOpenAccount, started, false, err) }(time.Now())

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = newID()
	}
	tier := req.MembershipTier
	if tier == "" {
		tier = models.TierMember
	}
	if !validTier(tier) {
		return models.Account{}, invalid("membership_tier", "unknown tier %q", tier)
	}
	kyc := req.KYCStatus
	if kyc == "" {
		kyc = models.KYCPending
	}
	if !validKYC(kyc) {
		return models.Account{}, invalid("kyc_status", "unknown status %q", kyc)
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = e.now()
	}

	acct, err = e.store.CreateAccount(ctx, models.Account{
		ID:             id,
		MembershipTier: tier,
		KYCStatus:      kyc,
		Active:         true,
		CreatedAt:      created.UTC(),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		return models.Account{}, ErrConflict
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("create account: %w", err)
	}
	e.log.Info("account opened", "account_id", acct.ID, "tier", tier)
	return acct, nil
}

// SetAccountActive deactivates or reactivates an account. Accounts are never
// deleted.
func (e *Engine) SetAccountActive(ctx context.Context, accountID string, active bool) error {
	err := e.store.SetAccountActive(ctx, accountID, active)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("set account active: %w", err)
	}
	e.log.Info("account status changed", "account_id", accountID, "active", active)
	return nil
}

// SetKYCStatus records the result of an external KYC review.
func (e *Engine) SetKYCStatus(ctx context.Context, accountID, status string) error {
	if !validKYC(status) {
		return invalid("kyc_status", "unknown status %q", status)
	}
	err := e.store.SetKYCStatus(ctx, accountID, status)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("set kyc status: %w", err)
	}
	e.log.Info("kyc status changed", "account_id", accountID, "kyc_status", status)
	return nil
}

func validTier(t string) bool {
	switch t {
	case models.TierMember, models.TierSilver, models.TierGold, models.TierGovernor:
		return true
	}
	return false
}

func validKYC(s string) bool {
	switch s {
	case models.KYCPending, models.KYCVerified, models.KYCRejected:
		return true
	}
	return false
}
