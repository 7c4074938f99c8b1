package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates a temporary SQLite database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func TestCreateIdentityIdempotent(t *testing.T) {
	db := setupTestDB(t)

	id := &AgentIdentity{PublicKey: "aabb", Name: "agent-1", CreatedAt: 100}
	if err := db.CreateIdentity(id); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	// Re-inserting must not error and must not clobber.
	if err := db.CreateIdentity(&AgentIdentity{PublicKey: "aabb", Name: "other", CreatedAt: 200}); err != nil {
		t.Fatalf("CreateIdentity again: %v", err)
	}

	got, err := db.GetIdentity("aabb")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.Name != "agent-1" || got.CreatedAt != 100 {
		t.Fatalf("identity was overwritten: %+v", got)
	}
	if got.Verified() {
		t.Fatal("fresh identity should not be verified")
	}
}

func TestBindIdentityHuman(t *testing.T) {
	db := setupTestDB(t)

	if err := db.CreateIdentity(&AgentIdentity{PublicKey: "key1", CreatedAt: 1}); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	if err := db.BindIdentityHuman("key1", "", "human-a", 2); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	// Same human: idempotent.
	if err := db.BindIdentityHuman("key1", "", "human-a", 3); err != nil {
		t.Fatalf("rebind same human: %v", err)
	}
	// Different human: fails closed.
	if err := db.BindIdentityHuman("key1", "", "human-b", 4); !errors.Is(err, ErrHumanMismatch) {
		t.Fatalf("bind different human = %v, want ErrHumanMismatch", err)
	}

	got, err := db.GetIdentity("key1")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.HumanID == nil || *got.HumanID != "human-a" {
		t.Fatalf("human_id = %v, want human-a", got.HumanID)
	}

	// Binding an unknown key creates the identity row.
	if err := db.BindIdentityHuman("key2", "late", "human-a", 5); err != nil {
		t.Fatalf("bind unknown key: %v", err)
	}
	n, err := db.CountIdentitiesForHuman("human-a")
	if err != nil {
		t.Fatalf("CountIdentitiesForHuman: %v", err)
	}
	if n != 2 {
		t.Fatalf("identities for human-a = %d, want 2", n)
	}
}

func TestSessionLifecycle(t *testing.T) {
	db := setupTestDB(t)

	s := &Session{
		ID: "s1", PublicKey: "key1", Fingerprint: "0011223344556677",
		Challenge: "deadbeef", Status: SessionPending, ExpiresAt: 1000, CreatedAt: 500,
	}
	if err := db.CreateSession(s); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := db.SetChallengeSigned("s1"); err != nil {
		t.Fatalf("SetChallengeSigned: %v", err)
	}
	got, err := db.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.ChallengeSigned {
		t.Fatal("challenge_signed not persisted")
	}

	if err := db.MarkSessionVerified("s1"); err != nil {
		t.Fatalf("MarkSessionVerified: %v", err)
	}
	// Verified is terminal.
	if err := db.MarkSessionVerified("s1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second MarkSessionVerified = %v, want ErrConflict", err)
	}
	if err := db.SetChallengeSigned("s1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("SetChallengeSigned after verified = %v, want ErrConflict", err)
	}
	// Expire on a non-pending session is a silent no-op.
	if err := db.ExpireSession("s1"); err != nil {
		t.Fatalf("ExpireSession on verified: %v", err)
	}
	got, _ = db.GetSession("s1")
	if got.Status != SessionVerified {
		t.Fatalf("status = %s, want verified", got.Status)
	}
}

func TestGetPendingSessionByFingerprint(t *testing.T) {
	db := setupTestDB(t)
	fp := "0011223344556677"

	mk := func(id string, createdAt, expiresAt int64, status string) {
		t.Helper()
		err := db.CreateSession(&Session{
			ID: id, PublicKey: "key1", Fingerprint: fp, Challenge: "c",
			Status: status, ExpiresAt: expiresAt, CreatedAt: createdAt,
		})
		if err != nil {
			t.Fatalf("CreateSession %s: %v", id, err)
		}
	}

	mk("old", 10, 2000, SessionPending)
	mk("expired", 20, 50, SessionPending)
	mk("newest", 30, 2000, SessionPending)
	mk("done", 40, 2000, SessionVerified)

	got, err := db.GetPendingSessionByFingerprint(fp, 100)
	if err != nil {
		t.Fatalf("GetPendingSessionByFingerprint: %v", err)
	}
	if got.ID != "newest" {
		t.Fatalf("matched session %s, want newest", got.ID)
	}

	if _, err := db.GetPendingSessionByFingerprint("ffffffffffffffff", 100); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("unknown fingerprint = %v, want sql.ErrNoRows", err)
	}
}

func TestDeleteDeadSessions(t *testing.T) {
	db := setupTestDB(t)

	for _, s := range []*Session{
		{ID: "dead-expired", PublicKey: "k", Fingerprint: "f", Challenge: "c", Status: SessionExpired, ExpiresAt: 10, CreatedAt: 1},
		{ID: "dead-pending", PublicKey: "k", Fingerprint: "f", Challenge: "c", Status: SessionPending, ExpiresAt: 20, CreatedAt: 1},
		{ID: "live", PublicKey: "k", Fingerprint: "f", Challenge: "c", Status: SessionPending, ExpiresAt: 5000, CreatedAt: 1},
		{ID: "keep-verified", PublicKey: "k", Fingerprint: "f", Challenge: "c", Status: SessionVerified, ExpiresAt: 10, CreatedAt: 1},
	} {
		if err := db.CreateSession(s); err != nil {
			t.Fatalf("CreateSession %s: %v", s.ID, err)
		}
	}

	n, err := db.DeleteDeadSessions(100)
	if err != nil {
		t.Fatalf("DeleteDeadSessions: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d sessions, want 2", n)
	}
	if _, err := db.GetSession("live"); err != nil {
		t.Fatalf("live session was deleted: %v", err)
	}
	if _, err := db.GetSession("keep-verified"); err != nil {
		t.Fatalf("verified session was deleted: %v", err)
	}
}

func TestRememberNonceRejectsReplay(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()

	if err := db.RememberNonce("key1", "nonce-1", now); err != nil {
		t.Fatalf("RememberNonce: %v", err)
	}
	if err := db.RememberNonce("key1", "nonce-1", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("replay = %v, want ErrConflict", err)
	}
	// Same nonce under a different key is fine.
	if err := db.RememberNonce("key2", "nonce-1", now); err != nil {
		t.Fatalf("different key, same nonce: %v", err)
	}

	n, err := db.PruneNonces(now.Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneNonces: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d nonces, want 2", n)
	}
	// Pruned nonces are reusable again; the freshness window protects them.
	if err := db.RememberNonce("key1", "nonce-1", now); err != nil {
		t.Fatalf("RememberNonce after prune: %v", err)
	}
}

func TestChainActionStore(t *testing.T) {
	db := setupTestDB(t)

	act := &ChainAction{
		ID: "a1", PublicKey: "key1", Kind: "deploy-token",
		Payload: `{"unsignedTx":{}}`, Status: ActionIssued, CreatedAt: 10,
	}
	if err := db.CreateChainAction(act); err != nil {
		t.Fatalf("CreateChainAction: %v", err)
	}

	latest, err := db.LatestChainAction("key1", "deploy-token", ActionIssued)
	if err != nil {
		t.Fatalf("LatestChainAction: %v", err)
	}
	if latest.ID != "a1" {
		t.Fatalf("latest = %s, want a1", latest.ID)
	}

	confirmed, err := db.HasConfirmedChainAction("key1", "deploy-token")
	if err != nil {
		t.Fatalf("HasConfirmedChainAction: %v", err)
	}
	if confirmed {
		t.Fatal("issued action reported as confirmed")
	}

	if err := db.ConfirmChainAction("a1", "0xabc", `{"tokenAddress":"0x1"}`, 20); err != nil {
		t.Fatalf("ConfirmChainAction: %v", err)
	}
	// Confirmed is terminal.
	if err := db.ConfirmChainAction("a1", "0xdef", "{}", 30); !errors.Is(err, ErrConflict) {
		t.Fatalf("second confirm = %v, want ErrConflict", err)
	}

	confirmed, _ = db.HasConfirmedChainAction("key1", "deploy-token")
	if !confirmed {
		t.Fatal("confirmed action not reported")
	}

	got, err := db.GetChainAction("a1")
	if err != nil {
		t.Fatalf("GetChainAction: %v", err)
	}
	if got.Status != ActionConfirmed || got.TxHash == nil || *got.TxHash != "0xabc" || got.ConfirmedAt == nil {
		t.Fatalf("confirmed action state: %+v", got)
	}

	list, err := db.ListChainActions("key1")
	if err != nil {
		t.Fatalf("ListChainActions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("listed %d actions, want 1", len(list))
	}
}

func TestHasConfirmedChainActionForHuman(t *testing.T) {
	db := setupTestDB(t)

	// Two keys owned by the same human.
	if err := db.BindIdentityHuman("key1", "", "human-a", 1); err != nil {
		t.Fatalf("bind key1: %v", err)
	}
	if err := db.BindIdentityHuman("key2", "", "human-a", 1); err != nil {
		t.Fatalf("bind key2: %v", err)
	}

	now := int64(10)
	act := &ChainAction{
		ID: "sp1", PublicKey: "key1", Kind: "sponsorship", Payload: "{}",
		TxHash: strPtr("0x1"), Status: ActionConfirmed, CreatedAt: now, ConfirmedAt: &now,
	}
	if err := db.CreateChainAction(act); err != nil {
		t.Fatalf("CreateChainAction: %v", err)
	}

	// The slot is consumed for the human, visible through either key.
	used, err := db.HasConfirmedChainActionForHuman("human-a", "sponsorship")
	if err != nil {
		t.Fatalf("HasConfirmedChainActionForHuman: %v", err)
	}
	if !used {
		t.Fatal("sponsorship slot should be used for human-a")
	}
	used, err = db.HasConfirmedChainActionForHuman("human-b", "sponsorship")
	if err != nil {
		t.Fatalf("HasConfirmedChainActionForHuman other: %v", err)
	}
	if used {
		t.Fatal("sponsorship slot should be free for human-b")
	}
}

func TestSettlementTransitions(t *testing.T) {
	db := setupTestDB(t)

	s := &Settlement{
		ID: "st1", SkillID: "sk1", BuyerKey: "buyer", SellerKey: "seller",
		Amount: "1000", BindingKey: "bk1", Status: SettlementInitiated,
		CreatedAt: 1, UpdatedAt: 1,
	}
	if err := db.CreateSettlement(s); err != nil {
		t.Fatalf("CreateSettlement: %v", err)
	}

	// Second open settlement for the same binding key is rejected.
	dup := *s
	dup.ID = "st2"
	if err := db.CreateSettlement(&dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate open settlement = %v, want ErrConflict", err)
	}

	if err := db.MarkSettlementEscrowed("st1", "0xaaa", 2); err != nil {
		t.Fatalf("MarkSettlementEscrowed: %v", err)
	}
	// Once escrowed, the binding key is free for a new settlement.
	if err := db.CreateSettlement(&dup); err != nil {
		t.Fatalf("new settlement after escrow: %v", err)
	}
	// But the txHash is burned globally.
	if err := db.MarkSettlementEscrowed("st2", "0xaaa", 3); !errors.Is(err, ErrConflict) {
		t.Fatalf("reused txHash = %v, want ErrConflict", err)
	}

	// Double escrow of the same settlement conflicts on status.
	if err := db.MarkSettlementEscrowed("st1", "0xbbb", 3); !errors.Is(err, ErrConflict) {
		t.Fatalf("double escrow = %v, want ErrConflict", err)
	}

	if err := db.ResolveSettlement("st1", SettlementReleased, 4); err != nil {
		t.Fatalf("ResolveSettlement: %v", err)
	}
	if err := db.ResolveSettlement("st1", SettlementRefunded, 5); !errors.Is(err, ErrConflict) {
		t.Fatalf("resolve terminal settlement = %v, want ErrConflict", err)
	}
	if err := db.ResolveSettlement("st2", "garbage", 5); err == nil {
		t.Fatal("invalid target status accepted")
	}

	if err := db.SetSettlementPayout("st1", "0xpayout", 6); err != nil {
		t.Fatalf("SetSettlementPayout: %v", err)
	}
	got, err := db.GetSettlement("st1")
	if err != nil {
		t.Fatalf("GetSettlement: %v", err)
	}
	if got.Status != SettlementReleased || got.PayoutTxHash == nil || *got.PayoutTxHash != "0xpayout" {
		t.Fatalf("settlement state: %+v", got)
	}

	list, err := db.ListSettlementsForKey("buyer")
	if err != nil {
		t.Fatalf("ListSettlementsForKey: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d settlements, want 2", len(list))
	}
}

func TestSkillStore(t *testing.T) {
	db := setupTestDB(t)

	s := &Skill{ID: "sk1", SellerKey: "seller", Name: "summarize", Price: "500", Active: true, CreatedAt: 1}
	if err := db.CreateSkill(s); err != nil {
		t.Fatalf("CreateSkill: %v", err)
	}
	if err := db.CreateSkill(&Skill{ID: "sk2", SellerKey: "seller", Name: "translate", Price: "700", Active: true, CreatedAt: 2}); err != nil {
		t.Fatalf("CreateSkill: %v", err)
	}

	if err := db.DeactivateSkill("sk2"); err != nil {
		t.Fatalf("DeactivateSkill: %v", err)
	}

	active, err := db.ListSkills(true)
	if err != nil {
		t.Fatalf("ListSkills(true): %v", err)
	}
	if len(active) != 1 || active[0].ID != "sk1" {
		t.Fatalf("active skills = %+v, want only sk1", active)
	}

	all, err := db.ListSkills(false)
	if err != nil {
		t.Fatalf("ListSkills(false): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all skills = %d, want 2", len(all))
	}

	got, err := db.GetSkill("sk2")
	if err != nil {
		t.Fatalf("GetSkill: %v", err)
	}
	if got.Active {
		t.Fatal("deactivated skill reported active")
	}
}

func TestWalletUpsert(t *testing.T) {
	db := setupTestDB(t)

	if _, err := db.GetWallet("key1"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("missing wallet = %v, want sql.ErrNoRows", err)
	}

	if err := db.SetWallet("key1", "0xaaaa", 1); err != nil {
		t.Fatalf("SetWallet: %v", err)
	}
	if err := db.SetWallet("key1", "0xbbbb", 2); err != nil {
		t.Fatalf("SetWallet upsert: %v", err)
	}

	w, err := db.GetWallet("key1")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if w.Address != "0xbbbb" || w.UpdatedAt != 2 {
		t.Fatalf("wallet = %+v, want switched address", w)
	}
}
