package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/marcoeg/etrap/internal/protocol"
)

// The composer turns one sealed batch into the object-store documents.
// All documents are stable-serialized (sorted keys, fixed separators)
// so re-uploads are byte-identical.

type Document struct {
	Key  string
	Body []byte
}

// ArtifactSet carries the five documents for one batch. Supporting
// documents (tree + indices) upload before BatchData: the read side
// treats batch-data.json as the commit marker.
type ArtifactSet struct {
	BatchID        string
	Database       string
	CanonicalTable string
	KeyPrefix      string
	Supporting     []Document
	BatchData      Document
	MerkleRoot     string
	TxCount        int
	SizeBytes      int
}

type batchInfo struct {
	BatchID        string   `json:"batch_id"`
	CreatedAt      int64    `json:"created_at"`
	OrganizationID string   `json:"organization_id"`
	DatabaseName   string   `json:"database_name"`
	AgentVersion   string   `json:"agent_version"`
	TableNames     []string `json:"table_names"`
}

type batchBody struct {
	BatchInfo    batchInfo            `json:"batch_info"`
	Transactions []Transaction        `json:"transactions"`
	MerkleTree   *protocol.MerkleTree `json:"merkle_tree"`
	Indices      Indices              `json:"indices"`
}

// Compose assembles the batch body, the standalone tree, and the three
// index documents under the deterministic key layout.
func Compose(b *Batch, agentVersion string) (*ArtifactSet, error) {
	if len(b.Transactions) == 0 {
		return nil, fmt.Errorf("compose %s: batch has no transactions", b.ID)
	}

	tables := append([]string(nil), b.Tables...)
	sort.Strings(tables)
	canonical := tables[0]
	prefix := fmt.Sprintf("%s/%s/%s", b.Database, canonical, b.ID)

	body := batchBody{
		BatchInfo: batchInfo{
			BatchID:        b.ID,
			CreatedAt:      b.CreatedAtMS,
			OrganizationID: b.OrganizationID,
			DatabaseName:   b.Database,
			AgentVersion:   agentVersion,
			TableNames:     tables,
		},
		Transactions: b.Transactions,
		MerkleTree:   b.Tree,
		Indices:      b.Indices,
	}

	bodyDoc, err := stableMarshal(body)
	if err != nil {
		return nil, fmt.Errorf("compose %s: marshal batch body: %w", b.ID, err)
	}
	treeDoc, err := stableMarshal(b.Tree)
	if err != nil {
		return nil, fmt.Errorf("compose %s: marshal merkle tree: %w", b.ID, err)
	}

	set := &ArtifactSet{
		BatchID:        b.ID,
		Database:       b.Database,
		CanonicalTable: canonical,
		KeyPrefix:      prefix,
		MerkleRoot:     b.Tree.Root,
		TxCount:        len(b.Transactions),
		BatchData:      Document{Key: prefix + "/batch-data.json", Body: bodyDoc},
		Supporting: []Document{
			{Key: prefix + "/merkle-tree.json", Body: treeDoc},
		},
	}

	for _, idx := range []struct {
		name string
		data map[string][]string
	}{
		{"by_timestamp", b.Indices.ByTimestamp},
		{"by_operation", b.Indices.ByOperation},
		{"by_date", b.Indices.ByDate},
	} {
		doc, err := stableMarshal(idx.data)
		if err != nil {
			return nil, fmt.Errorf("compose %s: marshal index %s: %w", b.ID, idx.name, err)
		}
		set.Supporting = append(set.Supporting, Document{
			Key:  fmt.Sprintf("%s/indices/%s.json", prefix, idx.name),
			Body: doc,
		})
	}

	set.SizeBytes = len(bodyDoc)
	return set, nil
}

// stableMarshal renders any value as compact JSON with all object keys
// sorted, regardless of struct field order.
func stableMarshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return appendStable(nil, generic), nil
}

func appendStable(buf []byte, v any) []byte {
	switch tv := v.(type) {
	case nil:
		return append(buf, "null"...)
	case bool:
		if tv {
			return append(buf, "true"...)
		}
		return append(buf, "false"...)
	case json.Number:
		return append(buf, tv.String()...)
	case string:
		b, _ := json.Marshal(tv)
		return append(buf, b...)
	case []any:
		buf = append(buf, '[')
		for i, item := range tv {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendStable(buf, item)
		}
		return append(buf, ']')
	case map[string]any:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendStable(buf, tv[k])
		}
		return append(buf, '}')
	default:
		b, _ := json.Marshal(tv)
		return append(buf, b...)
	}
}
