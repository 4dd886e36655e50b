package batch

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcoeg/etrap/internal/protocol"
)

// EntryRef identifies one broker entry that fed a batch. The consumer
// acknowledges exactly these refs once the batch is committed.
type EntryRef struct {
	Stream  string
	EntryID string
}

type TransactionMetadata struct {
	TransactionID string             `json:"transaction_id"`
	Timestamp     int64              `json:"timestamp"`
	OperationType protocol.Operation `json:"operation_type"`
	DatabaseName  string             `json:"database_name"`
	TableAffected string             `json:"table_affected"`
	Hash          string             `json:"hash"`
}

type MerkleLeaf struct {
	Index       int    `json:"index"`
	Hash        string `json:"hash"`
	RawDataHash string `json:"raw_data_hash"`
}

// Transaction is the normalized form of one change event inside a
// sealed batch.
type Transaction struct {
	Metadata   TransactionMetadata `json:"metadata"`
	MerkleLeaf MerkleLeaf          `json:"merkle_leaf"`
}

// Indices are the three lookup maps persisted alongside the tree.
type Indices struct {
	ByTimestamp map[string][]string `json:"by_timestamp"`
	ByOperation map[string][]string `json:"by_operation"`
	ByDate      map[string][]string `json:"by_date"`
}

// OperationCounts tallies the batch for the on-chain summary.
// Snapshot reads count as inserts.
type OperationCounts struct {
	Inserts int `json:"inserts"`
	Updates int `json:"updates"`
	Deletes int `json:"deletes"`
}

// Batch is sealed and immutable once produced by the accumulator.
type Batch struct {
	ID             string
	CreatedAtMS    int64
	OrganizationID string
	Database       string
	Tables         []string
	Transactions   []Transaction
	Tree           *protocol.MerkleTree
	Indices        Indices
	Counts         OperationCounts
	Entries        []EntryRef
}

// EarliestTimestamp returns the smallest source timestamp in the
// batch, used as the summary timestamp on chain.
func (b *Batch) EarliestTimestamp() int64 {
	if len(b.Transactions) == 0 {
		return b.CreatedAtMS
	}
	min := b.Transactions[0].Metadata.Timestamp
	for _, tx := range b.Transactions[1:] {
		if tx.Metadata.Timestamp < min {
			min = tx.Metadata.Timestamp
		}
	}
	return min
}

// idGenerator issues BATCH-YYYY-MM-DD-<hex8> ids. When more than one
// batch seals within the same wall-clock second the later ones carry a
// -T<n> suffix so ids stay unique per shard.
type idGenerator struct {
	lastSecond int64
	sameSecond int
}

func (g *idGenerator) next(now time.Time) string {
	hex8 := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	id := fmt.Sprintf("BATCH-%s-%s", now.UTC().Format("2006-01-02"), hex8)
	sec := now.Unix()
	if sec == g.lastSecond {
		g.sameSecond++
		id += "-T" + strconv.Itoa(g.sameSecond)
	} else {
		g.lastSecond = sec
		g.sameSecond = 0
	}
	return id
}

func dateOf(tsMS int64) string {
	return time.UnixMilli(tsMS).UTC().Format("2006-01-02")
}
