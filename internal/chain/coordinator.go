package chain

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selfclaw/selfclaw/internal/crypto"
	"github.com/selfclaw/selfclaw/internal/storage"
)

var (
	// ErrBadParams: the request itself is malformed (unknown kind, missing
	// kind-specific parameters).
	ErrBadParams = errors.New("chain: bad parameters")

	// ErrPrecondition: the identity's current state does not allow issuing
	// this kind (no wallet, no confirmed token, slot already used).
	ErrPrecondition = errors.New("chain: precondition failed")

	// ErrNotFound: confirm was called with no issued action of this kind.
	// The coordinator never fabricates an action retroactively.
	ErrNotFound = errors.New("chain: no issued action of this kind")

	// ErrStateConflict: the kind already reached confirmed for this identity
	// (or this human, for sponsorship). The stored result is immutable.
	ErrStateConflict = errors.New("chain: action already confirmed")

	// ErrTxMismatch: the submitted txHash exists but does not match the
	// issued action. The action stays issued; the agent can submit the
	// correct hash.
	ErrTxMismatch = errors.New("chain: transaction does not match issued action")
)

// Config carries the chain-level addresses the coordinator drafts against.
type Config struct {
	ChainID         int64
	FactoryAddress  string // CREATE2 token factory
	RegistryAddress string // ERC-8004 identity registry
	GasGrantWei     string
}

// IssueParams carries kind-specific parameters for Issue.
type IssueParams struct {
	TokenName   string `json:"tokenName,omitempty"`
	TokenSymbol string `json:"tokenSymbol,omitempty"`
	TokenSupply string `json:"tokenSupply,omitempty"`
	// TokenAddress is the pre-deployed token for register-token.
	TokenAddress string `json:"tokenAddress,omitempty"`
	// PairToken is the quote asset for a sponsorship pool.
	PairToken string `json:"pairToken,omitempty"`
}

// UnsignedTx is the transaction payload the platform drafts for the agent to
// sign and broadcast with its own wallet.
type UnsignedTx struct {
	To       string `json:"to"`
	ValueWei string `json:"valueWei"`
	Data     string `json:"data"`
	ChainID  int64  `json:"chainId"`
	GasLimit uint64 `json:"gasLimit"`
}

// draft is everything Issue prepares before dispatching on the signing mode.
type draft struct {
	kind     Kind
	identity *storage.AgentIdentity
	wallet   *storage.Wallet
	params   IssueParams
	unsigned *UnsignedTx // nil for platform-signed kinds
	// predicted holds deterministically derivable results, recorded at issue
	// time (e.g. the CREATE2 token address).
	predicted map[string]string
}

// signer materializes a draft into a stored ChainAction. Platform-signed
// kinds broadcast immediately and store a confirmed row; agent-signed kinds
// store an issued row carrying the unsigned transaction.
type signer interface {
	execute(ctx context.Context, c *Coordinator, d *draft) (*storage.ChainAction, error)
}

// Coordinator issues and confirms chain actions against the shared store.
type Coordinator struct {
	db          *storage.DB
	reader      Reader
	broadcaster Broadcaster
	cfg         Config
	now         func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(db *storage.DB, reader Reader, broadcaster Broadcaster, cfg Config) *Coordinator {
	return &Coordinator{db: db, reader: reader, broadcaster: broadcaster, cfg: cfg, now: time.Now}
}

// Issue validates kind preconditions, fabricates the transaction draft, and
// stores the resulting action. It never broadcasts agent-funded
// transactions. Issue may be called again for a kind whose prior attempt did
// not reach confirmed; that is decided by inspecting existing rows.
func (c *Coordinator) Issue(ctx context.Context, kind Kind, identity *storage.AgentIdentity, params IssueParams) (*storage.ChainAction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadParams, kind)
	}

	confirmed, err := c.db.HasConfirmedChainAction(identity.PublicKey, string(kind))
	if err != nil {
		return nil, err
	}
	if confirmed {
		return nil, fmt.Errorf("%w: %s", ErrStateConflict, kind)
	}

	wallet, err := c.db.GetWallet(identity.PublicKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: no registered wallet", ErrPrecondition)
		}
		return nil, err
	}

	d := &draft{kind: kind, identity: identity, wallet: wallet, params: params}
	if err := c.prepare(d); err != nil {
		return nil, err
	}

	var s signer
	switch kind.Mode() {
	case PlatformSigned:
		s = platformSigner{}
	case AgentSigned:
		s = agentSigner{}
	}
	return s.execute(ctx, c, d)
}

// prepare runs kind-specific precondition checks and builds the unsigned
// transaction and predicted results for agent-signed kinds.
func (c *Coordinator) prepare(d *draft) error {
	switch d.kind {
	case KindGas:
		// Recipient is the registered wallet; nothing to draft.
		return nil

	case KindDeployToken:
		if d.params.TokenName == "" || d.params.TokenSymbol == "" {
			return fmt.Errorf("%w: tokenName and tokenSymbol required", ErrBadParams)
		}
		if d.params.TokenSupply == "" {
			d.params.TokenSupply = "1000000000000000000000000" // 1M tokens, 18 decimals
		}
		predicted := c.predictTokenAddress(d.identity.PublicKey, d.params)
		d.predicted = map[string]string{"tokenAddress": predicted}
		d.unsigned = c.factoryCall(d, "deployToken")
		return nil

	case KindRegisterToken:
		if !isAddress(d.params.TokenAddress) {
			return fmt.Errorf("%w: tokenAddress required", ErrBadParams)
		}
		d.predicted = map[string]string{"tokenAddress": normalizeAddress(d.params.TokenAddress)}
		d.unsigned = c.factoryCall(d, "registerToken")
		return nil

	case KindRegisterERC8004:
		d.unsigned = &UnsignedTx{
			To:       normalizeAddress(c.cfg.RegistryAddress),
			ValueWei: "0",
			Data:     encodeCallData("register", d.identity.PublicKey, d.wallet.Address),
			ChainID:  c.cfg.ChainID,
			GasLimit: 300_000,
		}
		return nil

	case KindSponsorship:
		if !d.identity.Verified() {
			return fmt.Errorf("%w: identity not verified", ErrPrecondition)
		}
		hasToken, err := c.hasConfirmedToken(d.identity.PublicKey)
		if err != nil {
			return err
		}
		if !hasToken {
			return fmt.Errorf("%w: no confirmed token", ErrPrecondition)
		}
		used, err := c.db.HasConfirmedChainActionForHuman(*d.identity.HumanID, string(KindSponsorship))
		if err != nil {
			return err
		}
		if used {
			return fmt.Errorf("%w: sponsorship slot already used for this human", ErrPrecondition)
		}
		d.unsigned = c.factoryCall(d, "sponsorPool")
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrBadParams, d.kind)
}

// hasConfirmedToken reports whether the identity holds a confirmed token
// from either deploy-token or register-token.
func (c *Coordinator) hasConfirmedToken(publicKey string) (bool, error) {
	deployed, err := c.db.HasConfirmedChainAction(publicKey, string(KindDeployToken))
	if err != nil || deployed {
		return deployed, err
	}
	return c.db.HasConfirmedChainAction(publicKey, string(KindRegisterToken))
}

// Confirm finds the latest issued action of the kind, re-validates the
// submitted txHash against chain state, and transitions it to confirmed.
// extra carries kind-specific results read off-chain by the agent (e.g. the
// ERC-8004 agent id). The stored result is never overwritten.
func (c *Coordinator) Confirm(ctx context.Context, kind Kind, identity *storage.AgentIdentity, txHash string, extra map[string]string) (*storage.ChainAction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrBadParams, kind)
	}
	if kind.Mode() != AgentSigned {
		return nil, fmt.Errorf("%w: %s is platform-signed and confirms at issue", ErrBadParams, kind)
	}
	if !isTxHash(txHash) {
		return nil, fmt.Errorf("%w: malformed txHash", ErrBadParams)
	}

	confirmed, err := c.db.HasConfirmedChainAction(identity.PublicKey, string(kind))
	if err != nil {
		return nil, err
	}
	if confirmed {
		return nil, fmt.Errorf("%w: %s", ErrStateConflict, kind)
	}

	act, err := c.db.LatestChainAction(identity.PublicKey, string(kind), storage.ActionIssued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	result, err := c.validateOnChain(ctx, kind, act, identity, txHash, extra)
	if err != nil {
		return nil, err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if err := c.db.ConfirmChainAction(act.ID, normalizeTxHash(txHash), string(resultJSON), c.now().Unix()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrStateConflict, kind)
		}
		return nil, err
	}
	return c.db.GetChainAction(act.ID)
}

// validateOnChain checks that txHash is a successful transaction matching
// the issued draft: sent by the identity's wallet, addressed to the drafted
// target, with kind-specific results present.
func (c *Coordinator) validateOnChain(ctx context.Context, kind Kind, act *storage.ChainAction, identity *storage.AgentIdentity, txHash string, extra map[string]string) (map[string]string, error) {
	receipt, err := c.reader.ReceiptByHash(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if !receipt.Success {
		return nil, fmt.Errorf("%w: transaction reverted", ErrTxMismatch)
	}

	tx, err := c.reader.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, err
	}

	wallet, err := c.db.GetWallet(identity.PublicKey)
	if err != nil {
		return nil, err
	}
	if !sameAddress(tx.From, wallet.Address) {
		return nil, fmt.Errorf("%w: sender %s is not the registered wallet", ErrTxMismatch, tx.From)
	}

	var payload struct {
		UnsignedTx *UnsignedTx       `json:"unsignedTx"`
		Predicted  map[string]string `json:"predicted"`
	}
	if err := json.Unmarshal([]byte(act.Payload), &payload); err != nil {
		return nil, fmt.Errorf("decode issued payload: %w", err)
	}
	if payload.UnsignedTx != nil && !sameAddress(tx.To, payload.UnsignedTx.To) {
		return nil, fmt.Errorf("%w: target %s does not match draft", ErrTxMismatch, tx.To)
	}

	result := map[string]string{"txHash": normalizeTxHash(txHash)}
	switch kind {
	case KindDeployToken:
		// The chain's word is canonical; the CREATE2 prediction is advisory.
		if !isAddress(receipt.ContractAddress) {
			return nil, fmt.Errorf("%w: no contract deployed", ErrTxMismatch)
		}
		result["tokenAddress"] = normalizeAddress(receipt.ContractAddress)
	case KindRegisterToken:
		result["tokenAddress"] = payload.Predicted["tokenAddress"]
	case KindRegisterERC8004:
		if id := extra["agentId"]; id != "" {
			result["agentId"] = id
		}
	case KindSponsorship:
		result["poolFunded"] = "true"
	}
	return result, nil
}

// factoryCall drafts a call to the platform factory for an agent-signed kind.
func (c *Coordinator) factoryCall(d *draft, method string) *UnsignedTx {
	return &UnsignedTx{
		To:       normalizeAddress(c.cfg.FactoryAddress),
		ValueWei: "0",
		Data:     encodeCallData(method, d.identity.PublicKey, d.wallet.Address, d.params),
		ChainID:  c.cfg.ChainID,
		GasLimit: 2_500_000,
	}
}

// predictTokenAddress derives the CREATE2 address the factory will deploy
// to: keccak256(0xff ++ factory ++ salt ++ keccak256(initArgs))[12:], where
// the salt is the keccak256 of the agent's canonical key. The factory uses
// the same scheme, so the address is known before broadcast.
func (c *Coordinator) predictTokenAddress(canonicalKey string, params IssueParams) string {
	factory, _ := hex.DecodeString(strings.TrimPrefix(normalizeAddress(c.cfg.FactoryAddress), "0x"))
	salt := crypto.Keccak256([]byte(canonicalKey))
	initArgs := crypto.Keccak256([]byte(params.TokenName), []byte(params.TokenSymbol), []byte(params.TokenSupply))
	sum := crypto.Keccak256([]byte{0xff}, factory, salt, initArgs)
	return "0x" + hex.EncodeToString(sum[12:])
}

// encodeCallData packs the factory/registry call payload. The platform
// contracts take a single bytes argument: the keccak selector of the method
// name followed by the JSON-encoded arguments.
func encodeCallData(method string, args ...any) string {
	selector := crypto.Keccak256([]byte(method))[:4]
	encoded, _ := json.Marshal(args)
	return "0x" + hex.EncodeToString(selector) + hex.EncodeToString(encoded)
}

// marshalPayload serializes the stored payload for an issued action.
func marshalPayload(d *draft) (string, error) {
	payload := struct {
		UnsignedTx *UnsignedTx       `json:"unsignedTx,omitempty"`
		Params     IssueParams       `json:"params"`
		Predicted  map[string]string `json:"predicted,omitempty"`
	}{d.unsigned, d.params, d.predicted}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// platformSigner broadcasts immediately with platform funds and stores the
// action as confirmed; there is no second phase.
type platformSigner struct{}

func (platformSigner) execute(ctx context.Context, c *Coordinator, d *draft) (*storage.ChainAction, error) {
	amount, ok := new(big.Int).SetString(c.cfg.GasGrantWei, 10)
	if !ok {
		return nil, fmt.Errorf("invalid gas grant amount %q", c.cfg.GasGrantWei)
	}

	now := c.now().Unix()
	payload, err := marshalPayload(d)
	if err != nil {
		return nil, err
	}

	txHash, err := c.broadcaster.Transfer(ctx, d.wallet.Address, amount)
	if err != nil {
		// Record the failed attempt; a later Issue may retry because no
		// confirmed row exists.
		fail := &storage.ChainAction{
			ID:        uuid.New().String(),
			PublicKey: d.identity.PublicKey,
			Kind:      string(d.kind),
			Payload:   payload,
			Result:    fmt.Sprintf("broadcast failed: %v", err),
			Status:    storage.ActionFailed,
			CreatedAt: now,
		}
		if cerr := c.db.CreateChainAction(fail); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("broadcast gas grant: %w", err)
	}

	result, _ := json.Marshal(map[string]string{
		"recipient": d.wallet.Address,
		"amountWei": c.cfg.GasGrantWei,
	})
	act := &storage.ChainAction{
		ID:          uuid.New().String(),
		PublicKey:   d.identity.PublicKey,
		Kind:        string(d.kind),
		Payload:     payload,
		Result:      string(result),
		TxHash:      &txHash,
		Status:      storage.ActionConfirmed,
		CreatedAt:   now,
		ConfirmedAt: &now,
	}
	if err := c.db.CreateChainAction(act); err != nil {
		return nil, err
	}
	return act, nil
}

// agentSigner stores an issued action carrying the unsigned transaction for
// the agent to sign and broadcast.
type agentSigner struct{}

func (agentSigner) execute(_ context.Context, c *Coordinator, d *draft) (*storage.ChainAction, error) {
	payload, err := marshalPayload(d)
	if err != nil {
		return nil, err
	}
	act := &storage.ChainAction{
		ID:        uuid.New().String(),
		PublicKey: d.identity.PublicKey,
		Kind:      string(d.kind),
		Payload:   payload,
		Status:    storage.ActionIssued,
		CreatedAt: c.now().Unix(),
	}
	if err := c.db.CreateChainAction(act); err != nil {
		return nil, err
	}
	return act, nil
}

// --- address helpers ---

func normalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") {
		addr = "0x" + addr
	}
	return addr
}

func normalizeTxHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}

func sameAddress(a, b string) bool {
	return normalizeAddress(a) == normalizeAddress(b)
}

func isAddress(addr string) bool {
	addr = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(addr)), "0x")
	if len(addr) != 40 {
		return false
	}
	_, err := hex.DecodeString(addr)
	return err == nil
}

func isTxHash(h string) bool {
	h = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "0x")
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}
