package store

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"
)

// HashBytes returns the lowercase hex BLAKE3-256 digest used as the
// blob address.
func HashBytes(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ExtractKind selects which bodies are externalized to disk.
type ExtractKind string

const (
	ExtractRequest  ExtractKind = "request"
	ExtractResponse ExtractKind = "response"
	ExtractBoth     ExtractKind = "both"
)

// BlobConfig controls on-disk externalization of body bytes. The zero
// value stores everything inline.
type BlobConfig struct {
	ExtractDir string
	ShardDepth int
	Kind       ExtractKind
}

func (c *BlobConfig) extractFor(request bool) bool {
	if c == nil || c.ExtractDir == "" {
		return false
	}
	switch c.Kind {
	case ExtractRequest:
		return request
	case ExtractResponse:
		return !request
	default:
		return true
	}
}

// BlobSubmission is one body ready for the store: canonical bytes plus
// their precomputed hash.
type BlobSubmission struct {
	Hash     string
	Content  []byte
	MimeType string
	Request  bool
}

// NewSubmission hashes content and wraps it for the store.
func NewSubmission(content []byte, mimeType string, request bool) BlobSubmission {
	return BlobSubmission{
		Hash:     HashBytes(content),
		Content:  content,
		MimeType: mimeType,
		Request:  request,
	}
}

type execQuerier interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SubmitBlob inserts a blob if its hash is unseen and reports whether a
// new row was created. Idempotent per hash. In external mode the disk
// write happens before the row insert; an orphan file after a writer
// failure is tolerated. An existing row with a different size is a
// DedupConflictError.
func SubmitBlob(tx execQuerier, sub BlobSubmission, cfg *BlobConfig) (bool, error) {
	var (
		externalPath *string
		content      = sub.Content
	)
	if cfg.extractFor(sub.Request) {
		path := blobPath(cfg.ExtractDir, sub.Hash, cfg.ShardDepth)
		if err := writeBlobIfMissing(path, sub.Content); err != nil {
			return false, err
		}
		externalPath = &path
		content = []byte{}
	}

	var mime *string
	if sub.MimeType != "" {
		mime = &sub.MimeType
	}

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO blobs (hash, content, size, mime_type, external_path) VALUES (?, ?, ?, ?, ?)`,
		sub.Hash, content, int64(len(sub.Content)), mime, externalPath,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var have int64
	if err := tx.QueryRow(`SELECT size FROM blobs WHERE hash = ?`, sub.Hash).Scan(&have); err != nil {
		return false, err
	}
	if have != int64(len(sub.Content)) {
		return false, &DedupConflictError{Hash: sub.Hash, Have: have, Got: int64(len(sub.Content))}
	}
	if externalPath != nil {
		if _, err := tx.Exec(
			`UPDATE blobs SET external_path = COALESCE(external_path, ?) WHERE hash = ?`,
			*externalPath, sub.Hash,
		); err != nil {
			return false, err
		}
	}
	return false, nil
}

// blobPath shards the hex hash two characters per level under root.
func blobPath(root, hash string, depth int) string {
	parts := []string{root}
	for i := 0; i < depth; i++ {
		start := i * 2
		if start+2 > len(hash) {
			break
		}
		parts = append(parts, hash[start:start+2])
	}
	parts = append(parts, hash)
	return filepath.Join(parts...)
}

func writeBlobIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("write blob %s: %w", path, err)
	}
	return f.Close()
}

func readExternal(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ReadBlobContent returns the canonical bytes of a blob row, following
// external_path when the content is externalized.
func ReadBlobContent(q execQuerier, hash string) ([]byte, error) {
	var (
		content      []byte
		size         int64
		externalPath sql.NullString
	)
	err := q.QueryRow(`SELECT content, size, external_path FROM blobs WHERE hash = ?`, hash).
		Scan(&content, &size, &externalPath)
	if err != nil {
		return nil, err
	}
	if len(content) == 0 && size > 0 && externalPath.Valid {
		return os.ReadFile(externalPath.String)
	}
	return content, nil
}
