// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coinledger/ledgerd/coin"
	"github.com/jmoiron/sqlx"
	"github.com/lightningnetwork/lnd/clock"
)

// Store runs individual queries against the ledger tables.  Every method
// operates within a caller supplied database transaction, so callers
// compose them into atomic operations via conflict.DB.Update and
// friends.  A Store is scoped to a single coin.
type Store struct {
	coin  string
	clock clock.Clock
}

// NewStore returns a store for the given coin.  A nil clock selects the
// system clock; tests pass clock.NewTestClock for deterministic
// timestamps.
func NewStore(coinName string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &Store{coin: coinName, clock: clk}
}

// Coin returns the coin name the store is scoped to.
func (s *Store) Coin() string {
	return s.coin
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// requireRows converts a sql.Result into an ErrCorruption when the
// statement did not match the expected number of rows.
func requireRows(res sql.Result, want int64, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != want {
		return storeError(ErrCorruption, fmt.Sprintf(
			"%s matched %d rows, want %d", what, n, want), nil)
	}
	return nil
}

//
// Wallets
//

// CreateWallet inserts a wallet with a zero balance.
func (s *Store) CreateWallet(tx *sqlx.Tx, name string) (*Wallet, error) {
	now := s.now()
	w := &Wallet{
		Coin:      s.coin,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := tx.Get(&w.ID, tx.Rebind(`INSERT INTO wallets
		(coin, name, balance, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?) RETURNING id`),
		w.Coin, w.Name, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert wallet %q: %w", name, err)
	}
	return w, nil
}

// GetWallet fetches a wallet by id.  The wallet must belong to the
// store's coin.
func (s *Store) GetWallet(tx *sqlx.Tx, id int64) (*Wallet, error) {
	var w Wallet
	err := tx.Get(&w, tx.Rebind(
		`SELECT * FROM wallets WHERE id = ? AND coin = ?`), id, s.coin)
	if isNoRows(err) {
		return nil, storeError(ErrNoExists,
			fmt.Sprintf("no wallet with id %d", id), err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch wallet %d: %w", id, err)
	}
	return &w, nil
}

// GetWalletByName fetches a wallet by its unique name.
func (s *Store) GetWalletByName(tx *sqlx.Tx, name string) (*Wallet, error) {
	var w Wallet
	err := tx.Get(&w, tx.Rebind(
		`SELECT * FROM wallets WHERE coin = ? AND name = ?`), s.coin, name)
	if isNoRows(err) {
		return nil, storeError(ErrNoExists,
			fmt.Sprintf("no wallet named %q", name), err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch wallet %q: %w", name, err)
	}
	return &w, nil
}

// ListWallets returns all wallets for the store's coin.
func (s *Store) ListWallets(tx *sqlx.Tx) ([]Wallet, error) {
	var ws []Wallet
	err := tx.Select(&ws, tx.Rebind(
		`SELECT * FROM wallets WHERE coin = ? ORDER BY id`), s.coin)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return ws, nil
}

//
// Accounts
//

// GetOrCreateAccount fetches the named account, creating it with a zero
// balance when it does not exist yet.  The second return value reports
// whether the account was created by this call.
func (s *Store) GetOrCreateAccount(tx *sqlx.Tx, walletID int64,
	name string) (*Account, bool, error) {

	now := s.now()
	res, err := tx.Exec(tx.Rebind(`INSERT INTO accounts
		(wallet_id, name, balance, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?) ON CONFLICT DO NOTHING`),
		walletID, name, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert account %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	a, err := s.GetAccountByName(tx, walletID, name)
	if err != nil {
		return nil, false, err
	}
	return a, n == 1, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(tx *sqlx.Tx, id int64) (*Account, error) {
	var a Account
	err := tx.Get(&a, tx.Rebind(
		`SELECT * FROM accounts WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, storeError(ErrNoExists,
			fmt.Sprintf("no account with id %d", id), err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch account %d: %w", id, err)
	}
	return &a, nil
}

// GetAccountByName fetches an account by wallet and name.
func (s *Store) GetAccountByName(tx *sqlx.Tx, walletID int64,
	name string) (*Account, error) {

	var a Account
	err := tx.Get(&a, tx.Rebind(`SELECT * FROM accounts
		WHERE wallet_id = ? AND name = ?`), walletID, name)
	if isNoRows(err) {
		return nil, storeError(ErrNoExists,
			fmt.Sprintf("no account named %q in wallet %d",
				name, walletID), err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch account %q: %w", name, err)
	}
	return &a, nil
}

// ListAccounts returns all accounts of a wallet, fee account included.
func (s *Store) ListAccounts(tx *sqlx.Tx, walletID int64) ([]Account, error) {
	var as []Account
	err := tx.Select(&as, tx.Rebind(`SELECT * FROM accounts
		WHERE wallet_id = ? ORDER BY id`), walletID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return as, nil
}

// AdjustAccountBalance applies a signed delta to an account balance and
// mirrors it onto the wallet balance, which keeps the wallet equal to
// the sum of its accounts.  It performs no sign checks; callers verify
// balances before debiting.
func (s *Store) AdjustAccountBalance(tx *sqlx.Tx, accountID, walletID int64,
	delta coin.Amount) error {

	now := s.now()
	res, err := tx.Exec(tx.Rebind(`UPDATE accounts
		SET balance = balance + ?, updated_at = ?
		WHERE id = ? AND wallet_id = ?`),
		delta, now, accountID, walletID)
	if err != nil {
		return fmt.Errorf("adjust account %d balance: %w", accountID, err)
	}
	if err := requireRows(res, 1, "account balance update"); err != nil {
		return err
	}
	res, err = tx.Exec(tx.Rebind(`UPDATE wallets
		SET balance = balance + ?, updated_at = ?
		WHERE id = ?`), delta, now, walletID)
	if err != nil {
		return fmt.Errorf("adjust wallet %d balance: %w", walletID, err)
	}
	return requireRows(res, 1, "wallet balance update")
}

//
// Addresses
//

// CreateReceivingAddress records a backend issued address as belonging
// to an account, making it eligible for deposit crediting.
func (s *Store) CreateReceivingAddress(tx *sqlx.Tx, walletID, accountID int64,
	address, label string) (*Address, error) {

	now := s.now()
	a := &Address{
		WalletID:  walletID,
		AccountID: &accountID,
		Address:   address,
		Label:     label,
		CreatedAt: now,
	}
	err := tx.Get(&a.ID, tx.Rebind(`INSERT INTO addresses
		(wallet_id, account_id, address, label, balance, created_at)
		VALUES (?, ?, ?, ?, 0, ?) RETURNING id`),
		walletID, accountID, address, label, now)
	if err != nil {
		return nil, fmt.Errorf("insert address %s: %w", address, err)
	}
	return a, nil
}

// GetOrCreateDestinationAddress records an external withdrawal
// destination.  Destination rows carry no account.  When the address is
// already known to the wallet, receiving or not, the existing row is
// returned instead.
func (s *Store) GetOrCreateDestinationAddress(tx *sqlx.Tx, walletID int64,
	address string) (*Address, error) {

	now := s.now()
	_, err := tx.Exec(tx.Rebind(`INSERT INTO addresses
		(wallet_id, account_id, address, label, balance, created_at)
		VALUES (?, NULL, ?, '', 0, ?) ON CONFLICT DO NOTHING`),
		walletID, address, now)
	if err != nil {
		return nil, fmt.Errorf("insert destination %s: %w", address, err)
	}
	var a Address
	err = tx.Get(&a, tx.Rebind(`SELECT * FROM addresses
		WHERE wallet_id = ? AND address = ?`), walletID, address)
	if err != nil {
		return nil, fmt.Errorf("fetch destination %s: %w", address, err)
	}
	return &a, nil
}

// GetAddress fetches an address row by id.
func (s *Store) GetAddress(tx *sqlx.Tx, id int64) (*Address, error) {
	var a Address
	err := tx.Get(&a, tx.Rebind(
		`SELECT * FROM addresses WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, storeError(ErrNoExists,
			fmt.Sprintf("no address with id %d", id), err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch address %d: %w", id, err)
	}
	return &a, nil
}

// ListReceivingAddresses returns every active receiving address row for
// the given network address string across all wallets of the store's
// coin.  More than one wallet can in principle import the same address,
// so deposits are credited per matching row.
func (s *Store) ListReceivingAddresses(tx *sqlx.Tx,
	address string) ([]Address, error) {

	var as []Address
	err := tx.Select(&as, tx.Rebind(`SELECT a.* FROM addresses a
		JOIN wallets w ON w.id = a.wallet_id
		WHERE w.coin = ? AND a.address = ?
		AND a.account_id IS NOT NULL AND a.archived_at IS NULL
		ORDER BY a.id`), s.coin, address)
	if err != nil {
		return nil, fmt.Errorf("resolve receiving address %s: %w",
			address, err)
	}
	return as, nil
}

// ListWatchedAddressStrings returns the distinct set of receiving
// address strings for the store's coin, used to filter backend
// transaction listings down to relevant deposits.
func (s *Store) ListWatchedAddressStrings(tx *sqlx.Tx) ([]string, error) {
	var addrs []string
	err := tx.Select(&addrs, tx.Rebind(`SELECT DISTINCT a.address
		FROM addresses a JOIN wallets w ON w.id = a.wallet_id
		WHERE w.coin = ? AND a.account_id IS NOT NULL
		AND a.archived_at IS NULL ORDER BY a.address`), s.coin)
	if err != nil {
		return nil, fmt.Errorf("list watched addresses: %w", err)
	}
	return addrs, nil
}

// AddAddressBalance increases the lifetime received tally of an
// address.  Address balances never decrease.
func (s *Store) AddAddressBalance(tx *sqlx.Tx, addressID int64,
	delta coin.Amount) error {

	if delta < 0 {
		return storeError(ErrInput, "address balance delta must not "+
			"be negative", nil)
	}
	res, err := tx.Exec(tx.Rebind(`UPDATE addresses
		SET balance = balance + ? WHERE id = ?`), delta, addressID)
	if err != nil {
		return fmt.Errorf("adjust address %d balance: %w", addressID, err)
	}
	return requireRows(res, 1, "address balance update")
}

//
// Network transactions
//

// GetOrCreateDepositNetworkTx records a transaction id observed on the
// network.  The row starts in the incoming state with unknown (-1)
// confirmations.  The unique index on (coin, type, txid) makes repeated
// observations of the same transaction converge on one row; the second
// return value reports whether this call created it.
func (s *Store) GetOrCreateDepositNetworkTx(tx *sqlx.Tx,
	txid string) (*NetworkTransaction, bool, error) {

	if txid == "" {
		return nil, false, storeError(ErrInput,
			"deposit txid must not be empty", nil)
	}
	now := s.now()
	res, err := tx.Exec(tx.Rebind(`INSERT INTO network_transactions
		(coin, transaction_type, txid, state, confirmations, created_at)
		VALUES (?, ?, ?, ?, -1, ?) ON CONFLICT DO NOTHING`),
		s.coin, NetworkTxDeposit, txid, NetworkTxStateIncoming, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert deposit %s: %w", txid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	ntx, err := s.GetNetworkTxByTxID(tx, NetworkTxDeposit, txid)
	if err != nil {
		return nil, false, err
	}
	return ntx, n == 1, nil
}

// CreateBroadcastNetworkTx inserts a broadcast batch row.  The row has
// no network transaction id until the backend accepts the batch.
func (s *Store) CreateBroadcastNetworkTx(tx *sqlx.Tx) (*NetworkTransaction, error) {
	now := s.now()
	ntx := &NetworkTransaction{
		Coin:          s.coin,
		Type:          NetworkTxBroadcast,
		State:         NetworkTxStatePending,
		Confirmations: -1,
		CreatedAt:     now,
	}
	err := tx.Get(&ntx.ID, tx.Rebind(`INSERT INTO network_transactions
		(coin, transaction_type, txid, state, confirmations, created_at)
		VALUES (?, ?, NULL, ?, -1, ?) RETURNING id`),
		ntx.Coin, ntx.Type, ntx.State, now)
	if err != nil {
		return nil, fmt.Errorf("insert broadcast batch: %w", err)
	}
	return ntx, nil
}

// GetNetworkTx fetches a network transaction row by id.
func (s *Store) GetNetworkTx(tx *sqlx.Tx, id int64) (*NetworkTransaction, error) {
	var ntx NetworkTransaction
	err := tx.Get(&ntx, tx.Rebind(`SELECT * FROM network_transactions
		WHERE id = ? AND coin = ?`), id, s.coin)
	if isNoRows(err) {
		return nil, storeError(ErrNoExists,
			fmt.Sprintf("no network transaction with id %d", id), err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch network transaction %d: %w", id, err)
	}
	return &ntx, nil
}

// GetNetworkTxByTxID fetches a network transaction row by its network
// assigned transaction id.
func (s *Store) GetNetworkTxByTxID(tx *sqlx.Tx, typ NetworkTxType,
	txid string) (*NetworkTransaction, error) {

	var ntx NetworkTransaction
	err := tx.Get(&ntx, tx.Rebind(`SELECT * FROM network_transactions
		WHERE coin = ? AND transaction_type = ? AND txid = ?`),
		s.coin, typ, txid)
	if isNoRows(err) {
		return nil, storeError(ErrNoExists,
			fmt.Sprintf("no %s with txid %s", typ, txid), err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch %s %s: %w", typ, txid, err)
	}
	return &ntx, nil
}

// SetNetworkTxConfirmations raises the recorded confirmation count.
// Confirmation counts are monotonic: calls that would lower the count
// change nothing and report false.
func (s *Store) SetNetworkTxConfirmations(tx *sqlx.Tx, id,
	confirmations int64) (bool, error) {

	res, err := tx.Exec(tx.Rebind(`UPDATE network_transactions
		SET confirmations = ? WHERE id = ? AND confirmations < ?`),
		confirmations, id, confirmations)
	if err != nil {
		return false, fmt.Errorf("update confirmations of %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetNetworkTxState moves a network transaction to a new state.
func (s *Store) SetNetworkTxState(tx *sqlx.Tx, id int64,
	state NetworkTxState) error {

	res, err := tx.Exec(tx.Rebind(`UPDATE network_transactions
		SET state = ? WHERE id = ?`), state, id)
	if err != nil {
		return fmt.Errorf("update state of %d: %w", id, err)
	}
	return requireRows(res, 1, "network transaction state update")
}

// MarkBroadcastOpened stamps a broadcast batch as about to be handed to
// the network backend.  The stamp may be placed exactly once; a batch
// that already carries one has been sent, or started to be sent, before,
// and handing it to the backend again risks paying its withdrawals
// twice.
func (s *Store) MarkBroadcastOpened(tx *sqlx.Tx, id int64) error {
	res, err := tx.Exec(tx.Rebind(`UPDATE network_transactions
		SET opened_at = ? WHERE id = ? AND transaction_type = ?
		AND opened_at IS NULL AND closed_at IS NULL`),
		s.now(), id, NetworkTxBroadcast)
	if err != nil {
		return fmt.Errorf("open broadcast batch %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return storeError(ErrDoubleSpendRisk, fmt.Sprintf(
			"broadcast batch %d was already opened", id), nil)
	}
	return nil
}

// CloseBroadcast records the backend's accepted transaction id against
// an opened batch and moves the batch and its withdrawals to the
// broadcasted state.
func (s *Store) CloseBroadcast(tx *sqlx.Tx, id int64, txid string) error {
	now := s.now()
	res, err := tx.Exec(tx.Rebind(`UPDATE network_transactions
		SET txid = ?, state = ?, closed_at = ?
		WHERE id = ? AND opened_at IS NOT NULL AND closed_at IS NULL`),
		txid, NetworkTxStateBroadcasted, now, id)
	if err != nil {
		return fmt.Errorf("close broadcast batch %d: %w", id, err)
	}
	if err := requireRows(res, 1, "broadcast batch close"); err != nil {
		return err
	}
	_, err = tx.Exec(tx.Rebind(`UPDATE transactions
		SET state = ?, processed_at = ?
		WHERE network_transaction_id = ? AND state = ?`),
		TxStateBroadcasted, now, id, TxStatePending)
	if err != nil {
		return fmt.Errorf("mark batch %d withdrawals broadcasted: %w",
			id, err)
	}
	return nil
}

// ListUnconfirmed returns network transactions that have a transaction
// id but fewer confirmations than the given threshold, ordered by id.
// These are the rows the confirmation poller keeps asking the backend
// about.
func (s *Store) ListUnconfirmed(tx *sqlx.Tx,
	threshold int64) ([]NetworkTransaction, error) {

	var ntxs []NetworkTransaction
	err := tx.Select(&ntxs, tx.Rebind(`SELECT * FROM network_transactions
		WHERE coin = ? AND txid IS NOT NULL AND confirmations < ?
		ORDER BY id`), s.coin, threshold)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed: %w", err)
	}
	return ntxs, nil
}

// ListConfirmedDepositTxids returns the transaction ids of deposits at
// or above the given confirmation threshold.  The receive scanner uses
// this as its skip set.
func (s *Store) ListConfirmedDepositTxids(tx *sqlx.Tx,
	threshold int64) ([]string, error) {

	var txids []string
	err := tx.Select(&txids, tx.Rebind(`SELECT txid FROM network_transactions
		WHERE coin = ? AND transaction_type = ? AND txid IS NOT NULL
		AND confirmations >= ? ORDER BY txid`),
		s.coin, NetworkTxDeposit, threshold)
	if err != nil {
		return nil, fmt.Errorf("list confirmed deposits: %w", err)
	}
	return txids, nil
}

// ListUnsentBroadcasts returns collected batches that have not yet been
// handed to the network backend, oldest first.
func (s *Store) ListUnsentBroadcasts(tx *sqlx.Tx) ([]NetworkTransaction, error) {
	var ntxs []NetworkTransaction
	err := tx.Select(&ntxs, tx.Rebind(`SELECT * FROM network_transactions
		WHERE coin = ? AND transaction_type = ?
		AND opened_at IS NULL AND closed_at IS NULL ORDER BY id`),
		s.coin, NetworkTxBroadcast)
	if err != nil {
		return nil, fmt.Errorf("list unsent broadcasts: %w", err)
	}
	return ntxs, nil
}

// ListInterruptedBroadcasts returns batches whose backend send began but
// never finished.  Whether their withdrawals reached the network is
// unknown, so they are reported rather than resent.
func (s *Store) ListInterruptedBroadcasts(tx *sqlx.Tx) ([]NetworkTransaction, error) {
	var ntxs []NetworkTransaction
	err := tx.Select(&ntxs, tx.Rebind(`SELECT * FROM network_transactions
		WHERE coin = ? AND transaction_type = ?
		AND opened_at IS NOT NULL AND closed_at IS NULL ORDER BY id`),
		s.coin, NetworkTxBroadcast)
	if err != nil {
		return nil, fmt.Errorf("list interrupted broadcasts: %w", err)
	}
	return ntxs, nil
}

//
// Transactions
//

// InsertTransaction inserts a ledger transaction row.  The caller is
// responsible for having applied the matching balance changes within
// the same database transaction.
func (s *Store) InsertTransaction(tx *sqlx.Tx, txn *Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = s.now()
	}
	err := tx.Get(&txn.ID, tx.Rebind(`INSERT INTO transactions
		(wallet_id, state, amount, sending_account_id,
		receiving_account_id, address_id, network_transaction_id,
		label, created_at, credited_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		txn.WalletID, txn.State, txn.Amount, txn.SendingAccountID,
		txn.ReceivingAccountID, txn.AddressID, txn.NetworkTransactionID,
		txn.Label, txn.CreatedAt, txn.CreditedAt, txn.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert %s transaction: %w", txn.State, err)
	}
	return nil
}

// GetOrCreateDepositTransaction inserts the ledger row for a deposit
// paying one receiving address.  The partial unique index on
// (network_transaction_id, address_id) makes this idempotent; when the
// row already exists it is returned unchanged, second return false.
func (s *Store) GetOrCreateDepositTransaction(tx *sqlx.Tx,
	txn *Transaction) (*Transaction, bool, error) {

	if txn.ReceivingAccountID == nil || txn.AddressID == nil ||
		txn.NetworkTransactionID == nil {
		return nil, false, storeError(ErrInput, "deposit transaction "+
			"requires receiving account, address and network "+
			"transaction", nil)
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = s.now()
	}
	res, err := tx.Exec(tx.Rebind(`INSERT INTO transactions
		(wallet_id, state, amount, sending_account_id,
		receiving_account_id, address_id, network_transaction_id,
		label, created_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`),
		txn.WalletID, txn.State, txn.Amount, txn.ReceivingAccountID,
		txn.AddressID, txn.NetworkTransactionID, txn.Label, txn.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("insert deposit transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	var out Transaction
	err = tx.Get(&out, tx.Rebind(`SELECT * FROM transactions
		WHERE network_transaction_id = ? AND address_id = ?
		AND receiving_account_id IS NOT NULL`),
		txn.NetworkTransactionID, txn.AddressID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch deposit transaction: %w", err)
	}
	return &out, n == 1, nil
}

// GetTransaction fetches a ledger transaction by id.
func (s *Store) GetTransaction(tx *sqlx.Tx, id int64) (*Transaction, error) {
	var txn Transaction
	err := tx.Get(&txn, tx.Rebind(
		`SELECT * FROM transactions WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, storeError(ErrNoExists,
			fmt.Sprintf("no transaction with id %d", id), err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch transaction %d: %w", id, err)
	}
	return &txn, nil
}

// ListPendingWithdrawals returns the wallet's pending withdrawals that
// have not yet been collected into a broadcast batch, oldest first.
func (s *Store) ListPendingWithdrawals(tx *sqlx.Tx,
	walletID int64) ([]Transaction, error) {

	var txns []Transaction
	err := tx.Select(&txns, tx.Rebind(`SELECT * FROM transactions
		WHERE wallet_id = ? AND state = ?
		AND network_transaction_id IS NULL ORDER BY id`),
		walletID, TxStatePending)
	if err != nil {
		return nil, fmt.Errorf("list pending withdrawals: %w", err)
	}
	return txns, nil
}

// ListBatchTransactions returns all ledger transactions collected into
// the given broadcast batch, withdrawals and the fee row alike.
func (s *Store) ListBatchTransactions(tx *sqlx.Tx,
	ntxID int64) ([]Transaction, error) {

	var txns []Transaction
	err := tx.Select(&txns, tx.Rebind(`SELECT * FROM transactions
		WHERE network_transaction_id = ? ORDER BY id`), ntxID)
	if err != nil {
		return nil, fmt.Errorf("list batch %d transactions: %w", ntxID, err)
	}
	return txns, nil
}

// MarkWithdrawalsBatched assigns the given pending withdrawals to a
// broadcast batch.  Every id must name a pending withdrawal that is not
// in a batch yet; anything else means another collector got there first
// and the enclosing transaction must not commit.
func (s *Store) MarkWithdrawalsBatched(tx *sqlx.Tx, ntxID int64,
	ids []int64) error {

	if len(ids) == 0 {
		return storeError(ErrInput, "empty withdrawal batch", nil)
	}
	query, args, err := sqlx.In(`UPDATE transactions
		SET network_transaction_id = ?
		WHERE state = ? AND network_transaction_id IS NULL
		AND id IN (?)`, ntxID, TxStatePending, ids)
	if err != nil {
		return fmt.Errorf("build batch update: %w", err)
	}
	res, err := tx.Exec(tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("assign withdrawals to batch %d: %w", ntxID, err)
	}
	return requireRows(res, int64(len(ids)), "withdrawal batch assignment")
}

// CreditDeposit stamps a deposit transaction as credited and applies its
// amount to the receiving account, the receiving address, and the
// wallet.  A deposit is credited at most once; repeat calls change
// nothing and report false.
func (s *Store) CreditDeposit(tx *sqlx.Tx, id int64) (bool, error) {
	txn, err := s.GetTransaction(tx, id)
	if err != nil {
		return false, err
	}
	if txn.ReceivingAccountID == nil || txn.AddressID == nil {
		return false, storeError(ErrCorruption, fmt.Sprintf(
			"transaction %d is not a deposit", id), nil)
	}
	res, err := tx.Exec(tx.Rebind(`UPDATE transactions SET credited_at = ?
		WHERE id = ? AND credited_at IS NULL`), s.now(), id)
	if err != nil {
		return false, fmt.Errorf("credit transaction %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	err = s.AdjustAccountBalance(tx, *txn.ReceivingAccountID,
		txn.WalletID, txn.Amount)
	if err != nil {
		return false, err
	}
	if err := s.AddAddressBalance(tx, *txn.AddressID, txn.Amount); err != nil {
		return false, err
	}
	return true, nil
}

// MarkTransactionProcessed moves a credited deposit to the processed
// state.  It reports false when the transaction is already processed.
func (s *Store) MarkTransactionProcessed(tx *sqlx.Tx, id int64) (bool, error) {
	txn, err := s.GetTransaction(tx, id)
	if err != nil {
		return false, err
	}
	if txn.State == TxStateProcessed {
		return false, nil
	}
	if txn.State != TxStateIncoming || txn.CreditedAt == nil {
		return false, storeError(ErrInput, fmt.Sprintf(
			"transaction %d is %s and not credited; only credited "+
				"deposits can be processed", id, txn.State), nil)
	}
	res, err := tx.Exec(tx.Rebind(`UPDATE transactions
		SET state = ?, processed_at = ?
		WHERE id = ? AND state = ? AND processed_at IS NULL`),
		TxStateProcessed, s.now(), id, TxStateIncoming)
	if err != nil {
		return false, fmt.Errorf("mark transaction %d processed: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListRecentTransactions returns up to limit of the wallet's newest
// ledger transactions, newest first.
func (s *Store) ListRecentTransactions(tx *sqlx.Tx, walletID int64,
	limit int) ([]Transaction, error) {

	var txns []Transaction
	err := tx.Select(&txns, tx.Rebind(`SELECT * FROM transactions
		WHERE wallet_id = ? ORDER BY id DESC LIMIT ?`), walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent transactions: %w", err)
	}
	return txns, nil
}
