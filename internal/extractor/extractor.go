package extractor

import (
	"context"
	"io"

	"github.com/vitebski/ods-ingest/pkg/models"
)

// Request describes one entity extraction
type Request struct {
	EntityName    string
	LoadMethod    models.LoadMethod
	ModifiedField string
	Watermark     interface{}
	ChunkSize     int
}

func (r Request) chunkSize() int {
	if r.ChunkSize > 0 {
		return r.ChunkSize
	}
	return models.DefaultChunkSize
}

// BatchIterator yields batches of at most ChunkSize rows. Next returns io.EOF when exhausted.
// Iterators are single-use and must be closed.
type BatchIterator interface {
	Next() (*models.Batch, error)
	Close() error
}

// Extractor pulls rows for an entity from one kind of source
type Extractor interface {
	Extract(ctx context.Context, req Request) (BatchIterator, error)
}

// sliceIterator chunks rows that are already in memory
type sliceIterator struct {
	columns []string
	rows    [][]interface{}
	size    int
	pos     int
}

func (it *sliceIterator) Next() (*models.Batch, error) {
	if it.pos >= len(it.rows) {
		return nil, io.EOF
	}

	end := it.pos + it.size
	if end > len(it.rows) {
		end = len(it.rows)
	}

	batch := &models.Batch{
		Columns: append([]string(nil), it.columns...),
		Rows:    it.rows[it.pos:end:end],
	}
	it.pos = end
	return batch, nil
}

func (it *sliceIterator) Close() error { return nil }
