package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Record is one exported patch: band name to row-major values.
type Record map[string][]float64

// RecordReader yields patch records until io.EOF.
type RecordReader interface {
	Next() (Record, error)
}

// JSONLReader reads one JSON object per line.
type JSONLReader struct {
	dec *json.Decoder
}

// NewJSONLReader wraps r.
func NewJSONLReader(r io.Reader) *JSONLReader {
	return &JSONLReader{dec: json.NewDecoder(bufio.NewReader(r))}
}

// Next returns the next record or io.EOF.
func (r *JSONLReader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ReadAll drains a reader.
func ReadAll(r RecordReader) ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}

// ReadFiles reads gzip-compressed JSON-lines patch files in order.
func ReadFiles(paths []string) ([]Record, error) {
	var out []Record
	for _, path := range paths {
		recs, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, recs...)
	}
	return out, nil
}

func readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return ReadAll(NewJSONLReader(zr))
}

// WriteFile writes records as a gzip-compressed JSON-lines file.
func WriteFile(path string, recs []Record) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	enc := json.NewEncoder(zw)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
