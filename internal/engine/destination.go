package engine

import (
	"regexp"
	"strings"
)

// Destination kinds accepted by Transfer.
const (
	DestBank     = "bank"
	DestEWallet  = "ewallet"
	DestCrypto   = "crypto"
	DestInternal = "internal"
)

// Destination is where a transfer sends funds. For internal transfers
// Address is the recipient's account id.
type Destination struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
}

var (
	bankAccountPattern = regexp.MustCompile(`^[0-9]{8,20}$`)
	phonePattern       = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)
	evmAddressPattern  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	btcBech32Pattern   = regexp.MustCompile(`^(bc1|tb1)[02-9ac-hj-np-z]{11,71}$`)
	btcBase58Pattern   = regexp.MustCompile(`^[13mn2][1-9A-HJ-NP-Za-km-z]{25,34}$`)
)

// normalize strips formatting characters users commonly type.
func (d Destination) normalize() Destination {
	kind := strings.ToLower(strings.TrimSpace(d.Kind))
	addr := strings.TrimSpace(d.Address)
	switch kind {
	case DestBank, DestEWallet:
		addr = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(addr)
	case DestCrypto:
		lower := strings.ToLower(addr)
		if strings.HasPrefix(lower, "bc1") || strings.HasPrefix(lower, "tb1") {
			addr = lower
		}
	}
	return Destination{Kind: kind, Address: addr}
}

func (d Destination) validate() error {
	if d.Address == "" {
		return invalid("destination.address", "is required")
	}
	switch d.Kind {
	case DestBank:
		if !bankAccountPattern.MatchString(d.Address) {
			return invalid("destination.address", "bank account must be 8-20 digits")
		}
	case DestEWallet:
		if !phonePattern.MatchString(d.Address) {
			return invalid("destination.address", "e-wallet must be a phone number in international format")
		}
	case DestCrypto:
		if !evmAddressPattern.MatchString(d.Address) &&
			!btcBech32Pattern.MatchString(d.Address) &&
			!btcBase58Pattern.MatchString(d.Address) {
			return invalid("destination.address", "unrecognised wallet address")
		}
	case DestInternal:
	default:
		return invalid("destination.kind", "must be one of bank, ewallet, crypto, internal")
	}
	return nil
}

// masked hides all but the last four characters of an external address.
func (d Destination) masked() string {
	if len(d.Address) <= 4 {
		return d.Address
	}
	return strings.Repeat("*", len(d.Address)-4) + d.Address[len(d.Address)-4:]
}
