package anchor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/marcoeg/etrap/internal/batch"
)

// ErrMintFailed reports that all mint attempts were exhausted. The
// artifacts stay in the object store; the broker entries are not
// acknowledged and the events reseal under a new token id.
var ErrMintFailed = errors.New("mint failed")

// ErrAlreadyMinted is the contract's duplicate-token response. The
// minter treats it as success: the batch was anchored by an earlier
// delivery.
var ErrAlreadyMinted = errors.New("token already minted")

// BatchSummary is the structure the contract stores with the token.
type BatchSummary struct {
	DatabaseName    string                `json:"database_name"`
	TableNames      []string              `json:"table_names"`
	Timestamp       int64                 `json:"timestamp"`
	TxCount         int                   `json:"tx_count"`
	MerkleRoot      string                `json:"merkle_root"`
	S3Bucket        string                `json:"s3_bucket"`
	S3Key           string                `json:"s3_key"`
	SizeBytes       int                   `json:"size_bytes"`
	OperationCounts batch.OperationCounts `json:"operation_counts"`
}

// TokenMetadata is the NFT descriptor minted with the batch.
type TokenMetadata struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Media       *string `json:"media"`
	Copies      int     `json:"copies"`
	IssuedAt    string  `json:"issued_at"`
	Reference   string  `json:"reference"`
}

type MintRequest struct {
	TokenID       string        `json:"token_id"`
	ReceiverID    string        `json:"receiver_id"`
	TokenMetadata TokenMetadata `json:"token_metadata"`
	BatchSummary  BatchSummary  `json:"batch_summary"`
}

type MintReceipt struct {
	TokenID       string
	TxHash        string
	BlockHeight   string
	GasUsed       string
	AlreadyMinted bool
}

// Client is the capability surface of the mint endpoint. The JSON-RPC
// implementation lives in rpc.go; tests substitute a fake.
type Client interface {
	MintBatch(ctx context.Context, req MintRequest) (*MintReceipt, error)
}

// NewBatchSummary builds the on-chain summary from a sealed batch and
// its composed artifact set.
func NewBatchSummary(b *batch.Batch, set *batch.ArtifactSet, bucket string) BatchSummary {
	return BatchSummary{
		DatabaseName:    b.Database,
		TableNames:      append([]string(nil), b.Tables...),
		Timestamp:       b.EarliestTimestamp(),
		TxCount:         set.TxCount,
		MerkleRoot:      set.MerkleRoot,
		S3Bucket:        bucket,
		S3Key:           set.KeyPrefix + "/",
		SizeBytes:       set.SizeBytes,
		OperationCounts: b.Counts,
	}
}

// NewTokenMetadata builds the token descriptor, with the reference URL
// pointing at the batch body document.
func NewTokenMetadata(b *batch.Batch, set *batch.ArtifactSet, bucket string, now time.Time) TokenMetadata {
	return TokenMetadata{
		Title:       "ETRAP Batch " + b.ID,
		Description: fmt.Sprintf("Integrity certificate for %d transactions from table %s", set.TxCount, set.CanonicalTable),
		Copies:      1,
		IssuedAt:    strconv.FormatInt(now.UnixMilli(), 10),
		Reference:   fmt.Sprintf("https://s3.amazonaws.com/%s/%s", bucket, set.BatchData.Key),
	}
}
