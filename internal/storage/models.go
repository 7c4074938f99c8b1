package storage

// Verification session states.
const (
	SessionPending  = "pending"
	SessionVerified = "verified"
	SessionExpired  = "expired"
)

// Chain action states.
const (
	ActionIssued    = "issued"
	ActionConfirmed = "confirmed"
	ActionFailed    = "failed"
)

// Escrow settlement states.
const (
	SettlementInitiated = "initiated"
	SettlementEscrowed  = "escrowed"
	SettlementReleased  = "released"
	SettlementRefunded  = "refunded"
)

// AgentIdentity is one registered agent key. The public key is stored in
// canonical form (lowercase hex of the raw 32 bytes) and is unique: one key
// binds to at most one human, ever. One human may own many keys (a swarm).
type AgentIdentity struct {
	PublicKey string  `json:"publicKey"`
	Name      string  `json:"name,omitempty"`
	HumanID   *string `json:"humanId,omitempty"`
	CreatedAt int64   `json:"createdAt"`
}

// Verified reports whether the identity is bound to a human.
func (a *AgentIdentity) Verified() bool {
	return a.HumanID != nil && *a.HumanID != ""
}

// Session is an ephemeral verification session. Created by start, terminated
// by verification or TTL expiry; expiry is applied lazily on read.
type Session struct {
	ID              string `json:"id"`
	PublicKey       string `json:"publicKey"`
	Fingerprint     string `json:"fingerprint"`
	Challenge       string `json:"challenge"`
	Status          string `json:"status"`
	ChallengeSigned bool   `json:"challengeSigned"`
	ExpiresAt       int64  `json:"expiresAt"`
	CreatedAt       int64  `json:"createdAt"`
}

// ChainAction is one attempt at a platform-mediated on-chain effect. Rows
// persist indefinitely as the audit trail; an issued row that is never
// confirmed simply stays issued.
type ChainAction struct {
	ID          string  `json:"id"`
	PublicKey   string  `json:"publicKey"`
	Kind        string  `json:"kind"`
	Payload     string  `json:"payload"` // unsigned tx / draft JSON
	Result      string  `json:"result,omitempty"`
	TxHash      *string `json:"txHash,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   int64   `json:"createdAt"`
	ConfirmedAt *int64  `json:"confirmedAt,omitempty"`
}

// Settlement is one escrow-settled marketplace purchase. Terminal once
// released or refunded.
type Settlement struct {
	ID           string  `json:"id"`
	SkillID      string  `json:"skillId"`
	BuyerKey     string  `json:"buyerKey"`
	SellerKey    string  `json:"sellerKey"`
	Amount       string  `json:"amount"` // decimal wei
	BindingKey   string  `json:"bindingKey"`
	TxHash       *string `json:"txHash,omitempty"`
	PayoutTxHash *string `json:"payoutTxHash,omitempty"`
	Status       string  `json:"status"`
	CreatedAt    int64   `json:"createdAt"`
	UpdatedAt    int64   `json:"updatedAt"`
}

// Skill is a marketplace listing published by a verified agent.
type Skill struct {
	ID          string `json:"id"`
	SellerKey   string `json:"sellerKey"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       string `json:"price"` // decimal wei per purchase
	Active      bool   `json:"active"`
	CreatedAt   int64  `json:"createdAt"`
}

// Wallet is the active on-chain wallet address registered for an identity.
type Wallet struct {
	PublicKey string `json:"publicKey"`
	Address   string `json:"address"`
	UpdatedAt int64  `json:"updatedAt"`
}
