package bond

import "time"

// Category separates the three bond markets the engine runs.
type Category string

const (
	CategoryResolution Category = "resolution"
	CategoryDispute    Category = "dispute"
	CategoryEscalation Category = "escalation"
)

// DefaultAsset is the protocol's native accounting asset. Adjudicator revenue
// shares denominated in any other asset are routed to the treasury because
// asset conversion is not supported (named restriction, see DESIGN.md).
const DefaultAsset = "TRUTH"

// TreasuryAccount receives the protocol side of every slash.
const TreasuryAccount = "treasury"

type EscrowStatus string

const (
	EscrowLive     EscrowStatus = "live"
	EscrowReturned EscrowStatus = "returned"
	EscrowSlashed  EscrowStatus = "slashed"
)

// Escrow mirrors a bond_escrows row. Exactly one of Return/Slash ever closes
// a live escrow.
type Escrow struct {
	ID        string
	UnitID    string
	Category  Category
	Owner     string
	Asset     string
	Amount    int64
	Status    EscrowStatus
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// AcceptableBond mirrors one append-only acceptable_bonds entry.
type AcceptableBond struct {
	ID        int64
	Category  Category
	Asset     string
	MinAmount int64
	AddedBy   string
	AddedAt   time.Time
}

// Split is the full accounting of one slashed escrow. Winner + Treasury +
// Adjudicator always equals the escrowed amount.
type Split struct {
	Winner      int64
	Treasury    int64
	Adjudicator int64
}
