// Package refnum generates and validates human-presentable reference numbers
// used for idempotency and audit correlation.
package refnum

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefixes per operation kind.
const (
	Deposit    = "DEP"
	Transfer   = "TRF"
	Withdrawal = "WDR"
	LoanReq    = "LRQ"
	LoanFund   = "LFD"
	LoanRepay  = "LRP"
	LoanCancel = "LCX"
	Reserve    = "RSV"
	Referral   = "REF"
	Interest   = "INT"
	Default    = "DFT"
)

var pattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{5,63}$`)

// ErrInvalid is returned for reference numbers that fail Validate.
var ErrInvalid = errors.New("reference number must be 6-64 characters of A-Z, 0-9, '-' or '_'")

// ErrReserved is returned for caller references in a namespace the batch
// jobs write to.
var ErrReserved = errors.New("reference number uses a reserved system prefix")

// systemPrefixes are only ever assigned by the engine itself.
var systemPrefixes = []string{Interest + "-", Default + "-"}

// New returns a fresh reference number such as "DEP-20261015-9F2C41A0B3".
func New(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:10]
	return prefix + "-" + now.UTC().Format("20060102") + "-" + suffix
}

// Normalize trims and upper-cases a caller-supplied reference.
func Normalize(ref string) string {
	return strings.ToUpper(strings.TrimSpace(ref))
}

// Validate checks a normalized caller-supplied reference number.
func Validate(ref string) error {
	if !pattern.MatchString(ref) {
		return ErrInvalid
	}
	for _, p := range systemPrefixes {
		if strings.HasPrefix(ref, p) {
			return ErrReserved
		}
	}
	return nil
}

// Derive returns the reference for a secondary entry of the same operation,
// e.g. the borrower side of a funding.
func Derive(ref, suffix string) string {
	return ref + "/" + suffix
}
