// Package payload builds the NDJSON append body from normalized rows,
// computing an MD5 checksum and a deterministic chunk ID alongside it.
// Both are currently inert: nothing on the wire consumes them yet, but
// transport.Request.ExtraHeader gives a future caller a place to surface
// them (e.g. as a Content-MD5 header) without changing this package.
package payload

import (
	"bytes"
	"crypto/md5" //nolint:gosec // content-addressing checksum, not a security boundary
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/stacklok/pipestream/ingesterrors"
)

// Row is one normalized record: column name to its already-normalized
// value (see normalize.Value). Row construction happens one level up,
// in the channel package, which owns the table schema.
type Row map[string]interface{}

// Batch is an NDJSON-encoded set of rows ready to append, plus the
// metadata computed alongside it.
type Batch struct {
	NDJSON      []byte
	MD5Base64   string
	ChunkID     string
	RowCount    int
	SizeBytes   int
	OffsetToken *string
}

// Build encodes rows as newline-delimited JSON, one object per line, and
// computes the batch's MD5 checksum and a fresh chunk ID scoped to
// channel. offsetToken, if non-nil, is carried on the batch as metadata
// only; it is not re-derived here.
func Build(channel string, rows []Row, offsetToken *string) (*Batch, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, ingesterrors.New(ingesterrors.Invariant, fmt.Sprintf("unable to encode row %d", i), err)
		}
	}

	sum := md5.Sum(buf.Bytes())

	return &Batch{
		NDJSON:      buf.Bytes(),
		MD5Base64:   base64.StdEncoding.EncodeToString(sum[:]),
		ChunkID:     chunkID(channel, time.Now()),
		RowCount:    len(rows),
		SizeBytes:   buf.Len(),
		OffsetToken: offsetToken,
	}, nil
}

// chunkID returns "{channel}-{utcTimestamp}-{uuid}", with the UUID's
// dashes stripped, matching the compact form the service's internal
// chunk metadata uses elsewhere.
func chunkID(channel string, at time.Time) string {
	stamp := at.UTC().Format("20060102T150405.000")
	stamp = strings.ReplaceAll(stamp, ".", "")
	return fmt.Sprintf("%s-%s-%s", channel, stamp, strings.ReplaceAll(uuid.New().String(), "-", ""))
}
