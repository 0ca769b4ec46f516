package holdings

import (
	"context"
	"time"
)

// Tier is a holder classification derived from token balance
type Tier string

const (
	// TierNone marks a user whose holdings were never verified
	TierNone     Tier = ""
	TierBasic    Tier = "basic"
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// thresholds are ordered highest first; the first match wins
var thresholds = []struct {
	min  float64
	tier Tier
}{
	{100000, TierPlatinum},
	{10000, TierGold},
	{1000, TierSilver},
	{100, TierBronze},
}

// TierFor maps a balance to its tier
func TierFor(amount float64) Tier {
	for _, t := range thresholds {
		if amount >= t.min {
			return t.tier
		}
	}
	return TierBasic
}

// UserHoldings is the last verified balance of a user's wallet
type UserHoldings struct {
	UserID        string    `json:"userId"`
	WalletAddress string    `json:"walletAddress"`
	Amount        float64   `json:"amount"`
	Tier          Tier      `json:"tier"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// UserRepository is the persistence the verifier needs. Missing users
// yield an error wrapping job.ErrNotFound.
type UserRepository interface {
	Get(ctx context.Context, userID string) (*UserHoldings, error)

	// UpdateHoldings overwrites holdings and tier and returns the tier
	// stored before the write, read in the same transaction
	UpdateHoldings(ctx context.Context, h UserHoldings) (Tier, error)
}

// BalanceSource reads on-chain token balances
type BalanceSource interface {
	GetTokenHoldings(ctx context.Context, walletAddress string) (float64, error)
}
