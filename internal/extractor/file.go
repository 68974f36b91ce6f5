package extractor

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vitebski/ods-ingest/pkg/models"
)

// FileExtractor reads entities from CSV files named <entity>.csv in Dir.
// The header row names the columns and an empty field is NULL.
type FileExtractor struct {
	Dir    string
	Logger *logrus.Logger
}

// NewFileExtractor creates an extractor over a directory of CSV files
func NewFileExtractor(dir string, logger *logrus.Logger) *FileExtractor {
	return &FileExtractor{
		Dir:    dir,
		Logger: logger,
	}
}

// Extract streams the file. With a watermark the matching rows are sorted by the
// modified field before chunking, which needs the filtered rows in memory.
func (e *FileExtractor) Extract(ctx context.Context, req Request) (BatchIterator, error) {
	if req.EntityName == "" {
		return nil, fmt.Errorf("%w: empty entity name", models.ErrConfiguration)
	}

	path := filepath.Join(e.Dir, req.EntityName+".csv")
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: source file %s not found", models.ErrConfiguration, path)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrConnectivity, err)
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		f.Close()
		return &sliceIterator{size: req.chunkSize()}, nil
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	e.Logger.Debugf("Extracting %s from %s", req.EntityName, path)

	if req.Watermark == nil {
		return &csvIterator{
			ctx:     ctx,
			file:    f,
			reader:  reader,
			columns: header,
			size:    req.chunkSize(),
		}, nil
	}
	defer f.Close()

	rows, err := e.filterAndSort(ctx, reader, header, req)
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s: %w", path, err)
	}
	return &sliceIterator{
		columns: header,
		rows:    rows,
		size:    req.chunkSize(),
	}, nil
}

func (e *FileExtractor) filterAndSort(ctx context.Context, reader *csv.Reader, header []string, req Request) ([][]interface{}, error) {
	idx := -1
	for i, col := range header {
		if col == req.ModifiedField {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: modified field %s not in file header", models.ErrConfiguration, req.ModifiedField)
	}

	wm, err := normalize(req.Watermark)
	if err != nil {
		return nil, err
	}

	type keyedRow struct {
		key interface{}
		row []interface{}
	}
	var kept []keyedRow

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := recordToRow(record, len(header))
		raw, _ := row[idx].(string)
		if raw == "" {
			continue
		}

		key, err := parseLike(raw, wm)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", req.ModifiedField, err)
		}
		if compareValues(key, wm) > 0 {
			kept = append(kept, keyedRow{key: key, row: row})
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return compareValues(kept[i].key, kept[j].key) < 0
	})

	rows := make([][]interface{}, len(kept))
	for i, k := range kept {
		rows[i] = k.row
	}
	return rows, nil
}

// csvIterator streams a file without holding more than one batch
type csvIterator struct {
	ctx     context.Context
	file    *os.File
	reader  *csv.Reader
	columns []string
	size    int
	done    bool
}

func (it *csvIterator) Next() (*models.Batch, error) {
	if it.done {
		return nil, io.EOF
	}
	if err := it.ctx.Err(); err != nil {
		return nil, err
	}

	batch := &models.Batch{
		Columns: append([]string(nil), it.columns...),
	}

	for len(batch.Rows) < it.size {
		record, err := it.reader.Read()
		if err == io.EOF {
			it.done = true
			break
		}
		if err != nil {
			it.done = true
			return nil, err
		}
		batch.Rows = append(batch.Rows, recordToRow(record, len(it.columns)))
	}

	if len(batch.Rows) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (it *csvIterator) Close() error {
	it.done = true
	return it.file.Close()
}

// recordToRow pads or truncates a record to n fields, turning empty fields into nil
func recordToRow(record []string, n int) []interface{} {
	row := make([]interface{}, n)
	for i := 0; i < n && i < len(record); i++ {
		if record[i] != "" {
			row[i] = record[i]
		}
	}
	return row
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// normalize converts a watermark into time.Time, float64 or string
func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case int64:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, nil
		}
		if t, err := parseTime(val, time.UTC); err == nil {
			return t, nil
		}
		return val, nil
	case []byte:
		return normalize(string(val))
	}
	return nil, fmt.Errorf("unsupported watermark type %T", v)
}

// parseLike parses raw into the same kind as the normalized watermark
func parseLike(raw string, wm interface{}) (interface{}, error) {
	switch w := wm.(type) {
	case time.Time:
		return parseTime(raw, w.Location())
	case float64:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	}
	return raw, nil
}

func parseTime(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", raw)
}

// compareValues orders two normalized values of the same kind
func compareValues(a, b interface{}) int {
	switch av := a.(type) {
	case time.Time:
		return av.Compare(b.(time.Time))
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	}
	return 0
}
