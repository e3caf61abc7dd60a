package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/guildseer/guildseer/ai/embedding"
)

// Record is a processed message ready for storage. Timestamp must be valid;
// records without one are rejected.
type Record struct {
	ID        string
	Document  string
	Metadata  map[string]string
	Timestamp time.Time
}

// Hit is a query result with its relevance score (1 - cosine distance,
// rounded to 3 decimals).
type Hit struct {
	ID       string
	Document string
	Metadata map[string]string
	Score    float64
}

const collectionSchema = `
CREATE TABLE IF NOT EXISTS record (
	id TEXT PRIMARY KEY,
	document TEXT NOT NULL,
	metadata TEXT NOT NULL,
	embedding BLOB NOT NULL,
	ts INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_record_ts ON record (ts);
CREATE TABLE IF NOT EXISTS collection_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Collection is one server's record set backed by a single sqlite file, with
// an attached embedder. Writes are serialized by writeMu (single-writer per
// batch); the connection pool handles read concurrency.
type Collection struct {
	db       *sql.DB
	embedder embedding.Service
	serverID string
	model    string

	writeMu sync.Mutex

	dimMu sync.Mutex
	dim   int // 0 until the first vector is stored
}

// openCollection opens (creating if needed) the sqlite file backing a
// collection and applies the schema.
func openCollection(path, serverID, model string, embedder embedding.Service) (*Collection, error) {
	// Same pragma set as the shared store: WAL journal, generous busy
	// timeout, single connection.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open collection db %s", path)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(collectionSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to apply collection schema for %s", path)
	}

	c := &Collection{
		db:       db,
		embedder: embedder,
		serverID: serverID,
		model:    model,
	}

	if err := c.loadMeta(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Collection) loadMeta() error {
	var stored string
	err := c.db.QueryRow(`SELECT value FROM collection_meta WHERE key = 'embedding_model'`).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = c.db.Exec(`INSERT INTO collection_meta (key, value) VALUES ('embedding_model', ?)`, c.model)
		return errors.Wrap(err, "failed to record collection embedding model")
	case err != nil:
		return errors.Wrap(err, "failed to read collection meta")
	}

	var dim string
	if err := c.db.QueryRow(`SELECT value FROM collection_meta WHERE key = 'dim'`).Scan(&dim); err == nil {
		if d, perr := strconv.Atoi(dim); perr == nil {
			c.dim = d
		}
	}
	return nil
}

// ServerID returns the owning server id.
func (c *Collection) ServerID() string {
	return c.serverID
}

// ModelName returns the attached embedding model name.
func (c *Collection) ModelName() string {
	return c.model
}

// Upsert embeds the record documents and inserts them by id. Re-inserting an
// existing id replaces the row, so duplicate deliveries are idempotent.
func (c *Collection) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]string, len(records))
	for i, r := range records {
		if r.ID == "" {
			return errors.New("record id is empty")
		}
		if r.Timestamp.IsZero() {
			return errors.Errorf("record %s has no timestamp", r.ID)
		}
		docs[i] = r.Document
	}

	vectors, err := c.embedder.EmbedBatch(ctx, docs)
	if err != nil {
		return errors.Wrapf(err, "failed to embed %d documents", len(docs))
	}
	if len(vectors) != len(records) {
		return errors.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(records))
	}
	if err := c.ensureDim(len(vectors[0])); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin upsert transaction")
	}
	defer func() { _ = tx.Rollback() }()

	stmt := `INSERT INTO record (id, document, metadata, embedding, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			document = excluded.document,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			ts = excluded.ts`

	for i, r := range records {
		if len(vectors[i]) != c.currentDim() {
			return errors.Errorf("vector dimension changed mid-batch: got %d, want %d", len(vectors[i]), c.currentDim())
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal metadata for %s", r.ID)
		}
		if _, err := tx.ExecContext(ctx, stmt, r.ID, r.Document, string(meta), float32ArrayToBLOB(vectors[i]), r.Timestamp.UnixMilli()); err != nil {
			return errors.Wrapf(err, "failed to upsert record %s", r.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit upsert")
}

func (c *Collection) ensureDim(dim int) error {
	c.dimMu.Lock()
	defer c.dimMu.Unlock()
	if c.dim == 0 {
		if _, err := c.db.Exec(`INSERT INTO collection_meta (key, value) VALUES ('dim', ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, strconv.Itoa(dim)); err != nil {
			return errors.Wrap(err, "failed to record embedding dimension")
		}
		c.dim = dim
		return nil
	}
	if c.dim != dim {
		return errors.Errorf("embedding dimension mismatch: collection has %d, embedder produced %d", c.dim, dim)
	}
	return nil
}

func (c *Collection) currentDim() int {
	c.dimMu.Lock()
	defer c.dimMu.Unlock()
	return c.dim
}

// Query embeds the query text and returns the top-limit records by cosine
// similarity, scored as 1 - cosine distance rounded to 3 decimals.
func (c *Collection) Query(ctx context.Context, queryText string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}

	queryVec, err := c.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed query")
	}

	dim := c.currentDim()
	if dim == 0 {
		return []Hit{}, nil
	}

	rows, err := c.db.QueryContext(ctx, `SELECT id, document, metadata, embedding FROM record`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan records")
	}
	defer rows.Close()

	hits := []Hit{}
	for rows.Next() {
		var hit Hit
		var metaJSON string
		var blob []byte
		if err := rows.Scan(&hit.ID, &hit.Document, &metaJSON, &blob); err != nil {
			return nil, errors.Wrap(err, "failed to scan record")
		}
		vec, err := blobToFloat32Array(blob, dim)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode embedding for %s", hit.ID)
		}
		if err := json.Unmarshal([]byte(metaJSON), &hit.Metadata); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal metadata for %s", hit.ID)
		}
		hit.Score = roundScore(cosineSimilarity(queryVec, vec))
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count returns the number of stored records.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count records")
	}
	return n, nil
}

// MaxTimestamp returns the greatest stored record timestamp, or zero when
// the collection is empty.
func (c *Collection) MaxTimestamp(ctx context.Context) (time.Time, error) {
	var ms sql.NullInt64
	if err := c.db.QueryRowContext(ctx, `SELECT MAX(ts) FROM record`).Scan(&ms); err != nil {
		return time.Time{}, errors.Wrap(err, "failed to read max timestamp")
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), nil
}

// Close releases the underlying database handle.
func (c *Collection) Close() error {
	return c.db.Close()
}
