package file

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// CSVTableSource reads a wide-format table from a CSV file. Cells are kept as
// strings; sequence cells are parsed later by the dataset preparer.
type CSVTableSource struct {
	path   string
	logger *logrus.Logger
}

// NewCSVTableSource creates a CSV-backed table source
func NewCSVTableSource(path string, logger *logrus.Logger) (*CSVTableSource, error) {
	if path == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "CSV path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CSVTableSource{path: path, logger: logger}, nil
}

// Connect checks the file exists
func (s *CSVTableSource) Connect(ctx context.Context) error { return s.Ping(ctx) }

// Close is a no-op
func (s *CSVTableSource) Close() error { return nil }

// Ping checks the file exists
func (s *CSVTableSource) Ping(ctx context.Context) error {
	if _, err := os.Stat(s.path); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed,
			fmt.Sprintf("table file %s unavailable", s.path))
	}
	return nil
}

// LoadTable reads the whole file
func (s *CSVTableSource) LoadTable(ctx context.Context) (*models.Table, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to open table file")
	}
	defer f.Close()
	return ReadCSVTable(f)
}

// ReadCSVTable parses CSV with a header row into a table.
func ReadCSVTable(r io.Reader) (*models.Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.NewSchemaError(errors.CodeEmptyTable, "CSV input has no header row")
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSchema, errors.CodeInvalidFormat, "failed to read CSV header")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	table := models.NewTable(header...)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeSchema, errors.CodeInvalidFormat,
				fmt.Sprintf("failed to read CSV line %d", line))
		}
		row := make(models.Row, len(header))
		for i, col := range header {
			if i < len(record) && record[i] != "" {
				row[col] = record[i]
			}
		}
		table.Append(row)
	}
	return table, nil
}

// CSVSampleSink appends generated samples to a CSV file.
type CSVSampleSink struct {
	path    string
	columns []string
	logger  *logrus.Logger
	mu      sync.Mutex
	file    *os.File
	writer  *csv.Writer
}

// NewCSVSampleSink writes to path. Sequence columns fix the output column order.
func NewCSVSampleSink(path string, sequenceColumns []string, logger *logrus.Logger) (*CSVSampleSink, error) {
	if path == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "CSV output path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &CSVSampleSink{path: path, columns: sequenceColumns, logger: logger}, nil
}

// Connect creates or truncates the output file
func (s *CSVSampleSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}
	var w io.Writer
	if s.path == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(s.path)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to create output file")
		}
		s.file = f
		w = f
	}
	s.writer = csv.NewWriter(w)
	return nil
}

// Ping is a no-op
func (s *CSVSampleSink) Ping(ctx context.Context) error { return nil }

// Close flushes and closes the file
func (s *CSVSampleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// WriteSamples writes one CSV row per sample with a header on the first batch
func (s *CSVSampleSink) WriteSamples(ctx context.Context, runID string, samples []models.GeneratedSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return errors.NewStorageError("NOT_CONNECTED", "CSV sink not connected")
	}
	if len(samples) == 0 {
		return nil
	}

	ctxCols := contextColumns(samples)
	header := append([]string{"run_id", "sample", "seed"}, ctxCols...)
	header = append(header, s.columns...)
	if err := s.writer.Write(header); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write CSV header")
	}
	for i, sample := range samples {
		rec := []string{runID, strconv.Itoa(i), strconv.FormatInt(sample.Seed, 10)}
		for _, c := range ctxCols {
			if v, ok := sample.Context[c]; ok && v != nil {
				rec = append(rec, fmt.Sprint(v))
			} else {
				rec = append(rec, "")
			}
		}
		for _, c := range s.columns {
			rec = append(rec, FormatSequence(sample.Series[c]))
		}
		if err := s.writer.Write(rec); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write CSV row")
		}
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to flush CSV output")
	}
	s.logger.WithFields(logrus.Fields{
		"run_id":  runID,
		"samples": len(samples),
		"path":    s.path,
	}).Info("Wrote synthetic samples")
	return nil
}

// FormatSequence renders a sequence as space-separated values.
func FormatSequence(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func contextColumns(samples []models.GeneratedSample) []string {
	set := make(map[string]struct{})
	for _, s := range samples {
		for k := range s.Context {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
