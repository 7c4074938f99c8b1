package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfclaw/selfclaw/internal/storage"
)

const (
	testWallet  = "0x1111111111111111111111111111111111111111"
	testFactory = "0x2222222222222222222222222222222222222222"
	testToken   = "0x3333333333333333333333333333333333333333"
)

// fakeReader serves canned transactions and receipts keyed by txHash.
type fakeReader struct {
	txs      map[string]*Tx
	receipts map[string]*Receipt
}

func (f *fakeReader) TransactionByHash(_ context.Context, txHash string) (*Tx, error) {
	tx, ok := f.txs[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeReader) ReceiptByHash(_ context.Context, txHash string) (*Receipt, error) {
	r, ok := f.receipts[strings.ToLower(txHash)]
	if !ok {
		return nil, ErrTxNotFound
	}
	return r, nil
}

// fakeBroadcaster records transfers and returns deterministic hashes.
type fakeBroadcaster struct {
	transfers []string
	err       error
}

func (f *fakeBroadcaster) Transfer(_ context.Context, to string, amountWei *big.Int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.transfers = append(f.transfers, to+":"+amountWei.String())
	return fmt.Sprintf("0x%064d", len(f.transfers)), nil
}

func testTxHash(n int) string {
	return fmt.Sprintf("0x%063da", n)
}

func setupCoordinator(t *testing.T) (*Coordinator, *storage.DB, *fakeReader, *fakeBroadcaster) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reader := &fakeReader{txs: map[string]*Tx{}, receipts: map[string]*Receipt{}}
	broadcaster := &fakeBroadcaster{}
	c := NewCoordinator(db, reader, broadcaster, Config{
		ChainID:         42220,
		FactoryAddress:  testFactory,
		RegistryAddress: "0x4444444444444444444444444444444444444444",
		GasGrantWei:     "100000000000000000",
	})
	return c, db, reader, broadcaster
}

func verifiedIdentity(t *testing.T, db *storage.DB, key string) *storage.AgentIdentity {
	t.Helper()
	require.NoError(t, db.BindIdentityHuman(key, "", "human-"+key, 1))
	require.NoError(t, db.SetWallet(key, testWallet, 1))
	id, err := db.GetIdentity(key)
	require.NoError(t, err)
	return id
}

func TestIssueGasBroadcastsAndConfirms(t *testing.T) {
	c, db, _, broadcaster := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	act, err := c.Issue(context.Background(), KindGas, id, IssueParams{})
	require.NoError(t, err)

	assert.Equal(t, storage.ActionConfirmed, act.Status)
	require.NotNil(t, act.TxHash)
	require.Len(t, broadcaster.transfers, 1)
	assert.Equal(t, testWallet+":100000000000000000", broadcaster.transfers[0])

	// Gas is non-repeatable once confirmed.
	_, err = c.Issue(context.Background(), KindGas, id, IssueParams{})
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.Len(t, broadcaster.transfers, 1)
}

func TestIssueGasBroadcastFailureAllowsRetry(t *testing.T) {
	c, db, _, broadcaster := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	broadcaster.err = errors.New("rpc down")
	_, err := c.Issue(context.Background(), KindGas, id, IssueParams{})
	require.Error(t, err)

	// The failed attempt is recorded but does not consume the grant.
	actions, err := db.ListChainActions(id.PublicKey)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, storage.ActionFailed, actions[0].Status)

	broadcaster.err = nil
	act, err := c.Issue(context.Background(), KindGas, id, IssueParams{})
	require.NoError(t, err)
	assert.Equal(t, storage.ActionConfirmed, act.Status)
}

func TestIssueRequiresWallet(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	require.NoError(t, db.BindIdentityHuman("key1", "", "human-a", 1))
	id, err := db.GetIdentity("key1")
	require.NoError(t, err)

	_, err = c.Issue(context.Background(), KindGas, id, IssueParams{})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestIssueDeployTokenDraftsUnsignedTx(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	act, err := c.Issue(context.Background(), KindDeployToken, id, IssueParams{
		TokenName: "Agent Coin", TokenSymbol: "AGC",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.ActionIssued, act.Status)
	assert.Nil(t, act.TxHash)

	var payload struct {
		UnsignedTx *UnsignedTx       `json:"unsignedTx"`
		Params     IssueParams       `json:"params"`
		Predicted  map[string]string `json:"predicted"`
	}
	require.NoError(t, json.Unmarshal([]byte(act.Payload), &payload))
	require.NotNil(t, payload.UnsignedTx)
	assert.Equal(t, testFactory, payload.UnsignedTx.To)
	assert.Equal(t, int64(42220), payload.UnsignedTx.ChainID)
	assert.NotEmpty(t, payload.Params.TokenSupply, "default supply applied")
	assert.True(t, isAddress(payload.Predicted["tokenAddress"]), "CREATE2 prediction recorded")

	_, err = c.Issue(context.Background(), KindDeployToken, id, IssueParams{TokenSymbol: "X"})
	assert.ErrorIs(t, err, ErrBadParams, "missing tokenName")
}

func TestPredictTokenAddressDeterministic(t *testing.T) {
	c, _, _, _ := setupCoordinator(t)
	params := IssueParams{TokenName: "A", TokenSymbol: "AA", TokenSupply: "1"}
	a := c.predictTokenAddress("key1", params)
	b := c.predictTokenAddress("key1", params)
	assert.Equal(t, a, b)
	assert.True(t, isAddress(a))
	assert.NotEqual(t, a, c.predictTokenAddress("key2", params))
}

func TestConfirmDeployToken(t *testing.T) {
	c, db, reader, _ := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	_, err := c.Issue(context.Background(), KindDeployToken, id, IssueParams{
		TokenName: "Agent Coin", TokenSymbol: "AGC",
	})
	require.NoError(t, err)

	hash := testTxHash(1)
	reader.txs[hash] = &Tx{Hash: hash, From: testWallet, To: testFactory}
	reader.receipts[hash] = &Receipt{TxHash: hash, Success: true, ContractAddress: testToken}

	act, err := c.Confirm(context.Background(), KindDeployToken, id, hash, nil)
	require.NoError(t, err)
	assert.Equal(t, storage.ActionConfirmed, act.Status)

	var result map[string]string
	require.NoError(t, json.Unmarshal([]byte(act.Result), &result))
	assert.Equal(t, testToken, result["tokenAddress"], "receipt address wins over the prediction")

	// Non-repeatable.
	_, err = c.Confirm(context.Background(), KindDeployToken, id, hash, nil)
	assert.ErrorIs(t, err, ErrStateConflict)
	_, err = c.Issue(context.Background(), KindDeployToken, id, IssueParams{TokenName: "B", TokenSymbol: "BB"})
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestConfirmWithoutIssue(t *testing.T) {
	c, db, reader, _ := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	hash := testTxHash(1)
	reader.txs[hash] = &Tx{Hash: hash, From: testWallet, To: testFactory}
	reader.receipts[hash] = &Receipt{TxHash: hash, Success: true, ContractAddress: testToken}

	_, err := c.Confirm(context.Background(), KindDeployToken, id, hash, nil)
	assert.ErrorIs(t, err, ErrNotFound, "confirm never fabricates an action")
}

func TestConfirmRejectsMismatchedTx(t *testing.T) {
	c, db, reader, _ := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	_, err := c.Issue(context.Background(), KindDeployToken, id, IssueParams{
		TokenName: "Agent Coin", TokenSymbol: "AGC",
	})
	require.NoError(t, err)

	cases := map[string]struct {
		tx      *Tx
		receipt *Receipt
	}{
		"wrong sender": {
			tx:      &Tx{From: "0x9999999999999999999999999999999999999999", To: testFactory},
			receipt: &Receipt{Success: true, ContractAddress: testToken},
		},
		"wrong target": {
			tx:      &Tx{From: testWallet, To: "0x9999999999999999999999999999999999999999"},
			receipt: &Receipt{Success: true, ContractAddress: testToken},
		},
		"reverted": {
			tx:      &Tx{From: testWallet, To: testFactory},
			receipt: &Receipt{Success: false},
		},
		"no contract": {
			tx:      &Tx{From: testWallet, To: testFactory},
			receipt: &Receipt{Success: true},
		},
	}

	n := 1
	for name, tc := range cases {
		n++
		hash := testTxHash(n)
		reader.txs[hash] = tc.tx
		reader.receipts[hash] = tc.receipt

		_, err := c.Confirm(context.Background(), KindDeployToken, id, hash, nil)
		assert.ErrorIs(t, err, ErrTxMismatch, name)

		// The action survives a bad submission; the right hash still works.
		act, err := db.LatestChainAction(id.PublicKey, string(KindDeployToken), storage.ActionIssued)
		require.NoError(t, err, name)
		assert.Equal(t, storage.ActionIssued, act.Status, name)
	}
}

func TestConfirmUnknownTxHash(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	_, err := c.Issue(context.Background(), KindDeployToken, id, IssueParams{
		TokenName: "Agent Coin", TokenSymbol: "AGC",
	})
	require.NoError(t, err)

	_, err = c.Confirm(context.Background(), KindDeployToken, id, testTxHash(9), nil)
	assert.ErrorIs(t, err, ErrTxNotFound)

	_, err = c.Confirm(context.Background(), KindDeployToken, id, "not-a-hash", nil)
	assert.ErrorIs(t, err, ErrBadParams)
}

func TestConfirmRejectsPlatformSignedKind(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	_, err := c.Confirm(context.Background(), KindGas, id, testTxHash(1), nil)
	assert.ErrorIs(t, err, ErrBadParams)
}

func TestSponsorshipPreconditions(t *testing.T) {
	c, db, reader, _ := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	// No confirmed token yet.
	_, err := c.Issue(context.Background(), KindSponsorship, id, IssueParams{})
	assert.ErrorIs(t, err, ErrPrecondition)

	// Register a token and confirm it.
	_, err = c.Issue(context.Background(), KindRegisterToken, id, IssueParams{TokenAddress: testToken})
	require.NoError(t, err)
	hash := testTxHash(1)
	reader.txs[hash] = &Tx{Hash: hash, From: testWallet, To: testFactory}
	reader.receipts[hash] = &Receipt{TxHash: hash, Success: true}
	_, err = c.Confirm(context.Background(), KindRegisterToken, id, hash, nil)
	require.NoError(t, err)

	// Now sponsorship issues.
	_, err = c.Issue(context.Background(), KindSponsorship, id, IssueParams{PairToken: "cUSD"})
	require.NoError(t, err)

	hash2 := testTxHash(2)
	reader.txs[hash2] = &Tx{Hash: hash2, From: testWallet, To: testFactory}
	reader.receipts[hash2] = &Receipt{TxHash: hash2, Success: true}
	_, err = c.Confirm(context.Background(), KindSponsorship, id, hash2, nil)
	require.NoError(t, err)
}

func TestSponsorshipSlotPerHuman(t *testing.T) {
	c, db, reader, _ := setupCoordinator(t)

	// Two keys, same human, each with a confirmed token.
	require.NoError(t, db.BindIdentityHuman("key1", "", "human-a", 1))
	require.NoError(t, db.BindIdentityHuman("key2", "", "human-a", 1))
	require.NoError(t, db.SetWallet("key1", testWallet, 1))
	require.NoError(t, db.SetWallet("key2", testWallet, 1))

	for i, key := range []string{"key1", "key2"} {
		id, err := db.GetIdentity(key)
		require.NoError(t, err)
		_, err = c.Issue(context.Background(), KindRegisterToken, id, IssueParams{TokenAddress: testToken})
		require.NoError(t, err)
		hash := testTxHash(i + 1)
		reader.txs[hash] = &Tx{Hash: hash, From: testWallet, To: testFactory}
		reader.receipts[hash] = &Receipt{TxHash: hash, Success: true}
		_, err = c.Confirm(context.Background(), KindRegisterToken, id, hash, nil)
		require.NoError(t, err)
	}

	id1, _ := db.GetIdentity("key1")
	_, err := c.Issue(context.Background(), KindSponsorship, id1, IssueParams{})
	require.NoError(t, err)
	hash := testTxHash(3)
	reader.txs[hash] = &Tx{Hash: hash, From: testWallet, To: testFactory}
	reader.receipts[hash] = &Receipt{TxHash: hash, Success: true}
	_, err = c.Confirm(context.Background(), KindSponsorship, id1, hash, nil)
	require.NoError(t, err)

	// The slot is consumed for the human, so the sibling key is blocked.
	id2, _ := db.GetIdentity("key2")
	_, err = c.Issue(context.Background(), KindSponsorship, id2, IssueParams{})
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestIssueUnknownKind(t *testing.T) {
	c, db, _, _ := setupCoordinator(t)
	id := verifiedIdentity(t, db, "key1")

	_, err := c.Issue(context.Background(), Kind("wallet"), id, IssueParams{})
	assert.ErrorIs(t, err, ErrBadParams)
}
