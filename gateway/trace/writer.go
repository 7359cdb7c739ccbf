// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Writer is the columnar-store capability the trace server flushes into.
// A single insert method keeps the store swappable: the default is a
// no-op, replaced at startup by the ClickHouse client when configured.
type Writer interface {
	InsertValues(ctx context.Context, table string, columns []string, rows [][]any) error
}

// NoopWriter discards every insert. The default until a store is
// configured.
type NoopWriter struct{}

func (NoopWriter) InsertValues(ctx context.Context, table string, columns []string, rows [][]any) error {
	return nil
}

// ClickHouseWriter inserts rows over ClickHouse's HTTP interface using
// JSONEachRow encoding.
type ClickHouseWriter struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewClickHouseWriter creates a writer against a ClickHouse HTTP URL
// (credentials and database ride in the URL itself).
func NewClickHouseWriter(baseURL string, logger *zap.Logger) *ClickHouseWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClickHouseWriter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("component", "clickhouse_writer")),
	}
}

var _ Writer = (*ClickHouseWriter)(nil)

func (w *ClickHouseWriter) InsertValues(ctx context.Context, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row width %d does not match %d columns", len(row), len(columns))
		}
		obj := make(map[string]any, len(columns))
		for i, col := range columns {
			obj[col] = row[i]
		}
		if err := enc.Encode(obj); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) FORMAT JSONEachRow", table, strings.Join(columns, ", "))
	endpoint := w.baseURL + "/?query=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("clickhouse insert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("clickhouse insert: status=%d body=%s", resp.StatusCode, msg)
	}

	w.logger.Debug("trace batch written", zap.String("table", table), zap.Int("rows", len(rows)))
	return nil
}
