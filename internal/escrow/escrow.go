// Package escrow implements the settlement engine for marketplace
// purchases: buyer transfers into the platform escrow wallet, the platform
// holds until the buyer confirms delivery or the seller refunds, then pays
// out with platform-funded gas.
//
// Gas asymmetry is intentional: buyers pay the cheap transfer-into-escrow
// gas, which bounds the platform's subsidy exposure to purchase volume; the
// platform pays the rarer settlement-out gas so resolution needs no second
// funding step from either party.
package escrow

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/selfclaw/selfclaw/internal/chain"
	"github.com/selfclaw/selfclaw/internal/crypto"
	"github.com/selfclaw/selfclaw/internal/storage"
)

var (
	// ErrBadAmount: the amount is not a positive decimal integer (wei).
	ErrBadAmount = errors.New("escrow: invalid amount")

	// ErrStateConflict: the settlement (or the txHash) is not in a state
	// that allows the requested transition. Carries the current state.
	ErrStateConflict = errors.New("escrow: invalid state for transition")

	// ErrNotAllowed: the actor is neither the party this transition belongs
	// to. Fails closed.
	ErrNotAllowed = errors.New("escrow: actor not allowed for this transition")

	// ErrTransferNotFound: the chain has no record of the transfer yet. The
	// settlement stays initiated; re-submit once the transfer lands.
	ErrTransferNotFound = errors.New("escrow: transfer not found on chain")

	// ErrTransferMismatch: the transfer exists but does not match the tuple
	// bound to this settlement. The settlement stays initiated.
	ErrTransferMismatch = errors.New("escrow: transfer does not match settlement")
)

// Engine drives escrow settlements against the shared store.
type Engine struct {
	db            *storage.DB
	reader        chain.Reader
	payer         chain.Broadcaster
	escrowAddress string
	now           func() time.Time
}

// NewEngine creates an Engine. payer is the platform-signed broadcaster used
// for settlement payouts.
func NewEngine(db *storage.DB, reader chain.Reader, payer chain.Broadcaster, escrowAddress string) *Engine {
	return &Engine{
		db:            db,
		reader:        reader,
		payer:         payer,
		escrowAddress: strings.ToLower(escrowAddress),
		now:           time.Now,
	}
}

// BindingKey derives the nonce-binding key tying an on-chain transfer to one
// specific purchase tuple: keccak256(skillID || buyer || seller || amount).
// A transfer verified for one tuple can never settle a different one.
func BindingKey(skillID, buyerKey, sellerKey, amount string) string {
	sum := crypto.Keccak256(
		[]byte(skillID), []byte{0},
		[]byte(buyerKey), []byte{0},
		[]byte(sellerKey), []byte{0},
		[]byte(amount),
	)
	return hex.EncodeToString(sum)
}

// Initiate opens a settlement in the initiated state. A second open
// settlement for the same tuple is rejected; resolve or escrow the first.
func (e *Engine) Initiate(skillID, buyerKey, sellerKey, amount string) (*storage.Settlement, error) {
	if _, err := parseAmount(amount); err != nil {
		return nil, err
	}
	if buyerKey == sellerKey {
		return nil, fmt.Errorf("%w: buyer and seller are the same identity", ErrNotAllowed)
	}

	now := e.now().Unix()
	s := &storage.Settlement{
		ID:         uuid.New().String(),
		SkillID:    skillID,
		BuyerKey:   buyerKey,
		SellerKey:  sellerKey,
		Amount:     amount,
		BindingKey: BindingKey(skillID, buyerKey, sellerKey, amount),
		Status:     storage.SettlementInitiated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.db.CreateSettlement(s); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: open settlement exists for this purchase", ErrStateConflict)
		}
		return nil, err
	}
	return s, nil
}

// VerifyEscrow confirms on chain that txHash transferred the settlement
// amount from the buyer's wallet to the platform escrow address, then
// transitions initiated -> escrowed. A txHash ever used by another
// settlement is rejected; a mismatched transfer leaves the settlement
// initiated so the buyer can re-send or re-submit.
func (e *Engine) VerifyEscrow(ctx context.Context, settlementID, txHash string) (*storage.Settlement, error) {
	s, err := e.db.GetSettlement(settlementID)
	if err != nil {
		return nil, err
	}
	if s.Status != storage.SettlementInitiated {
		return nil, fmt.Errorf("%w: settlement is %s", ErrStateConflict, s.Status)
	}

	if err := e.checkTransfer(ctx, s, txHash); err != nil {
		return nil, err
	}

	if err := e.db.MarkSettlementEscrowed(s.ID, strings.ToLower(txHash), e.now().Unix()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Either the txHash belongs to another settlement or a
			// concurrent verify already moved this one.
			cur, gerr := e.db.GetSettlement(s.ID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, fmt.Errorf("%w: settlement is %s, txHash must be unused", ErrStateConflict, cur.Status)
		}
		return nil, err
	}
	return e.db.GetSettlement(s.ID)
}

// checkTransfer validates the on-chain transfer against the tuple bound to
// the settlement.
func (e *Engine) checkTransfer(ctx context.Context, s *storage.Settlement, txHash string) error {
	receipt, err := e.reader.ReceiptByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return ErrTransferNotFound
		}
		return err
	}
	if !receipt.Success {
		return fmt.Errorf("%w: transfer reverted", ErrTransferMismatch)
	}

	tx, err := e.reader.TransactionByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return ErrTransferNotFound
		}
		return err
	}

	buyerWallet, err := e.db.GetWallet(s.BuyerKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: buyer has no registered wallet", ErrTransferMismatch)
		}
		return err
	}

	if !strings.EqualFold(tx.From, buyerWallet.Address) {
		return fmt.Errorf("%w: sender %s is not the buyer wallet", ErrTransferMismatch, tx.From)
	}
	if !strings.EqualFold(tx.To, e.escrowAddress) {
		return fmt.Errorf("%w: recipient %s is not the escrow address", ErrTransferMismatch, tx.To)
	}

	want, err := parseAmount(s.Amount)
	if err != nil {
		return err
	}
	if tx.ValueWei == nil || tx.ValueWei.Cmp(want) != 0 {
		return fmt.Errorf("%w: value does not match settlement amount", ErrTransferMismatch)
	}

	// Defense in depth: the tuple hashed at initiate time must still match
	// the stored row before funds move.
	if BindingKey(s.SkillID, s.BuyerKey, s.SellerKey, s.Amount) != s.BindingKey {
		return fmt.Errorf("%w: binding key mismatch", ErrTransferMismatch)
	}
	return nil
}

// ConfirmDelivery releases escrowed funds to the seller. Only the buyer may
// confirm, and only from escrowed.
func (e *Engine) ConfirmDelivery(ctx context.Context, settlementID, actorKey string) (*storage.Settlement, error) {
	return e.resolve(ctx, settlementID, actorKey, storage.SettlementReleased)
}

// Refund returns escrowed funds to the buyer. Only the seller may refund,
// and only from escrowed.
func (e *Engine) Refund(ctx context.Context, settlementID, actorKey string) (*storage.Settlement, error) {
	return e.resolve(ctx, settlementID, actorKey, storage.SettlementRefunded)
}

func (e *Engine) resolve(ctx context.Context, settlementID, actorKey, toStatus string) (*storage.Settlement, error) {
	s, err := e.db.GetSettlement(settlementID)
	if err != nil {
		return nil, err
	}

	// Actor check first so a wrong party learns nothing beyond "not yours".
	switch toStatus {
	case storage.SettlementReleased:
		if actorKey != s.BuyerKey {
			return nil, fmt.Errorf("%w: only the buyer confirms delivery", ErrNotAllowed)
		}
	case storage.SettlementRefunded:
		if actorKey != s.SellerKey {
			return nil, fmt.Errorf("%w: only the seller refunds", ErrNotAllowed)
		}
	}

	if s.Status != storage.SettlementEscrowed {
		return nil, fmt.Errorf("%w: settlement is %s", ErrStateConflict, s.Status)
	}

	if err := e.db.ResolveSettlement(s.ID, toStatus, e.now().Unix()); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			cur, gerr := e.db.GetSettlement(s.ID)
			if gerr != nil {
				return nil, gerr
			}
			return nil, fmt.Errorf("%w: settlement is %s", ErrStateConflict, cur.Status)
		}
		return nil, err
	}

	e.payout(ctx, s, toStatus)
	return e.db.GetSettlement(s.ID)
}

// payout sends the platform-signed settlement transfer: to the seller on
// release, back to the buyer on refund. The state transition has already
// committed; a failed payout is logged and retried operationally rather
// than rolling the settlement back.
func (e *Engine) payout(ctx context.Context, s *storage.Settlement, toStatus string) {
	recipientKey := s.SellerKey
	if toStatus == storage.SettlementRefunded {
		recipientKey = s.BuyerKey
	}

	wallet, err := e.db.GetWallet(recipientKey)
	if err != nil {
		log.Printf("[escrow] payout for settlement %s: recipient wallet: %v", s.ID, err)
		return
	}
	amount, err := parseAmount(s.Amount)
	if err != nil {
		log.Printf("[escrow] payout for settlement %s: %v", s.ID, err)
		return
	}

	txHash, err := e.payer.Transfer(ctx, wallet.Address, amount)
	if err != nil {
		log.Printf("[escrow] payout for settlement %s failed: %v", s.ID, err)
		return
	}
	if err := e.db.SetSettlementPayout(s.ID, txHash, e.now().Unix()); err != nil {
		log.Printf("[escrow] record payout for settlement %s: %v", s.ID, err)
	}
}

func parseAmount(amount string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, amount)
	}
	return n, nil
}
