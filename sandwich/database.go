package sandwich

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

var (
	ethToWei = big.NewInt(1e18)

	ErrInvalidStoredAmount = errors.New("invalid amount stored in database")
)

type DBTrade struct {
	ID         int64     `db:"id"`
	BundleHash []byte    `db:"bundle_hash"`
	ProfitLoss string    `db:"profit_loss"`
	TradedAt   time.Time `db:"traded_at"`
	InsertedAt time.Time `db:"inserted_at"`
}

var insertTradeQuery = `
INSERT INTO sandwich_trade (bundle_hash, profit_loss, traded_at)
VALUES (:bundle_hash, :profit_loss, :traded_at)`

var selectTradesSinceQuery = `
SELECT id, bundle_hash, profit_loss, traded_at, inserted_at
FROM sandwich_trade
WHERE traded_at >= $1
ORDER BY traded_at`

type DBBundle struct {
	Hash            []byte         `db:"hash"`
	VictimHash      []byte         `db:"victim_hash"`
	Pool            []byte         `db:"pool"`
	TargetBlock     int64          `db:"target_block"`
	MinTimestamp    int64          `db:"min_timestamp"`
	MaxTimestamp    int64          `db:"max_timestamp"`
	ReplacementUUID string         `db:"replacement_uuid"`
	Frontrun        string         `db:"frontrun"`
	Backrun         string         `db:"backrun"`
	ExpectedProfit  string         `db:"expected_profit"`
	GasCost         string         `db:"gas_cost"`
	SimGasUsed      int64          `db:"sim_gas_used"`
	Body            []byte         `db:"body"`
	AcceptedBy      sql.NullString `db:"accepted_by"`
	Status          string         `db:"status"`
	RealizedProfit  sql.NullString `db:"realized_profit"`
	InsertedAt      time.Time      `db:"inserted_at"`
}

var insertBundleQuery = `
INSERT INTO sandwich_bundle (hash, victim_hash, pool, target_block, min_timestamp, max_timestamp, replacement_uuid,
                             frontrun, backrun, expected_profit, gas_cost, sim_gas_used, body, accepted_by, status)
VALUES (:hash, :victim_hash, :pool, :target_block, :min_timestamp, :max_timestamp, :replacement_uuid,
        :frontrun, :backrun, :expected_profit, :gas_cost, :sim_gas_used, :body, :accepted_by, :status)
ON CONFLICT (hash) DO NOTHING`

var updateBundleOutcomeQuery = `
UPDATE sandwich_bundle
SET status = $2, realized_profit = $3
WHERE hash = $1`

// DBBackend stores the trade ledger and an audit log of submitted bundles in postgres.
type DBBackend struct {
	db *sqlx.DB

	insertTrade         *sqlx.NamedStmt
	selectTradesSince   *sqlx.Stmt
	insertBundle        *sqlx.NamedStmt
	updateBundleOutcome *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	insertTrade, err := db.PrepareNamed(insertTradeQuery)
	if err != nil {
		return nil, err
	}
	selectTradesSince, err := db.Preparex(selectTradesSinceQuery)
	if err != nil {
		return nil, err
	}
	insertBundle, err := db.PrepareNamed(insertBundleQuery)
	if err != nil {
		return nil, err
	}
	updateBundleOutcome, err := db.Preparex(updateBundleOutcomeQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:                  db,
		insertTrade:         insertTrade,
		selectTradesSince:   selectTradesSince,
		insertBundle:        insertBundle,
		updateBundleOutcome: updateBundleOutcome,
	}, nil
}

func (b *DBBackend) InsertTrade(ctx context.Context, trade Trade) error {
	dbTrade := DBTrade{
		BundleHash: trade.BundleHash.Bytes(),
		ProfitLoss: trade.ProfitLoss.String(),
		TradedAt:   trade.Timestamp.UTC(),
	}
	_, err := b.insertTrade.ExecContext(ctx, dbTrade)
	return err
}

func (b *DBBackend) TradesSince(ctx context.Context, since time.Time) ([]Trade, error) {
	var rows []DBTrade
	if err := b.selectTradesSince.SelectContext(ctx, &rows, since.UTC()); err != nil {
		return nil, err
	}
	trades := make([]Trade, 0, len(rows))
	for _, r := range rows {
		pl, ok := new(big.Int).SetString(r.ProfitLoss, 10)
		if !ok {
			return nil, ErrInvalidStoredAmount
		}
		trades = append(trades, Trade{
			Timestamp:  r.TradedAt,
			ProfitLoss: pl,
			BundleHash: common.BytesToHash(r.BundleHash),
		})
	}
	return trades, nil
}

func (b *DBBackend) InsertBundle(ctx context.Context, record *BundleRecord) error {
	txs := make([]hexutil.Bytes, 0, bundleSize)
	for _, raw := range record.Bundle.RawTransactions() {
		txs = append(txs, raw)
	}
	body, err := json.Marshal(txs)
	if err != nil {
		return err
	}
	opp := record.Opportunity
	dbBundle := DBBundle{
		Hash:            record.Bundle.Hash().Bytes(),
		VictimHash:      record.Bundle.VictimHash().Bytes(),
		Pool:            opp.Pool.Address.Bytes(),
		TargetBlock:     int64(record.Bundle.TargetBlock()),
		MinTimestamp:    int64(record.Bundle.MinTimestamp()),
		MaxTimestamp:    int64(record.Bundle.MaxTimestamp()),
		ReplacementUUID: record.Bundle.ReplacementUUID().String(),
		Frontrun:        dbIntToEth(uint256ToBig(opp.Frontrun)),
		Backrun:         dbIntToEth(uint256ToBig(opp.Backrun)),
		ExpectedProfit:  dbIntToEth(uint256ToBig(opp.NetProfit)),
		GasCost:         dbIntToEth(uint256ToBig(opp.GasCost)),
		SimGasUsed:      int64(record.SimGasUsed),
		Body:            body,
		AcceptedBy:      sql.NullString{String: record.acceptedBy(), Valid: len(record.AcceptedBy) > 0},
		Status:          string(record.Status),
	}
	_, err = b.insertBundle.ExecContext(ctx, dbBundle)
	return err
}

func (b *DBBackend) UpdateBundleOutcome(ctx context.Context, hash common.Hash, status BundleStatus, realized *big.Int) error {
	profit := sql.NullString{}
	if realized != nil {
		profit = sql.NullString{String: dbIntToEth(realized), Valid: true}
	}
	_, err := b.updateBundleOutcome.ExecContext(ctx, hash.Bytes(), string(status), profit)
	return err
}

func dbIntToEth(i *big.Int) string {
	return new(big.Rat).SetFrac(i, ethToWei).FloatString(18)
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
