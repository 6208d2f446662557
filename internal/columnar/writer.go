// Package columnar writes typed tables to Parquet files through an in-process
// DuckDB instance.
package columnar

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	duckdb "github.com/duckdb/duckdb-go/v2"
	"github.com/raphaelgruber/sheetflow/internal/models"
	"github.com/raphaelgruber/sheetflow/internal/tabular"
)

// Writer stages each table in DuckDB with the Appender API and exports it with
// COPY ... (FORMAT PARQUET). One Writer is safe for concurrent use; writes are
// serialized on the native connection.
type Writer struct {
	mu        sync.Mutex
	connector *duckdb.Connector
	db        *sql.DB
	conn      *duckdb.Conn
	outputDir string
}

// NewWriter opens an in-memory DuckDB database. Files land under outputDir/<runID>/.
func NewWriter(ctx context.Context, outputDir string) (*Writer, error) {
	connector, err := duckdb.NewConnector("", nil)
	if err != nil {
		return nil, fmt.Errorf("create duckdb connector: %w", err)
	}
	db := sql.OpenDB(connector)

	conn, err := connector.Connect(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open native connection: %w", err)
	}
	duckConn, ok := conn.(*duckdb.Conn)
	if !ok {
		_ = conn.Close()
		_ = db.Close()
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
	return &Writer{connector: connector, db: db, conn: duckConn, outputDir: outputDir}, nil
}

// Close releases the DuckDB connection.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.Close()
	_ = w.db.Close()
	return w.connector.Close()
}

// Write exports table and returns the Parquet path and row count.
func (w *Writer) Write(ctx context.Context, runID string, table *tabular.Table) (string, int64, error) {
	for _, name := range []string{runID, table.Name} {
		if name == "" || filepath.Base(name) != name || !filepath.IsLocal(name) {
			return "", 0, fmt.Errorf("invalid output name %q", name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	dir := filepath.Join(w.outputDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, table.Name+".parquet")

	staging := stagingName(runID, table.Name)
	if _, err := w.conn.ExecContext(ctx, createTableSQL(staging, table.Columns), nil); err != nil {
		return "", 0, fmt.Errorf("create staging table: %w", err)
	}
	defer func() {
		_, _ = w.conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+quoteIdent(staging), nil)
	}()

	appender, err := duckdb.NewAppenderFromConn(w.conn, "", staging)
	if err != nil {
		return "", 0, fmt.Errorf("create appender: %w", err)
	}
	for i, row := range table.Rows {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				_ = appender.Close()
				return "", 0, err
			}
		}
		values := make([]driver.Value, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := appender.AppendRow(values...); err != nil {
			_ = appender.Close()
			return "", 0, fmt.Errorf("append row %d: %w", i, err)
		}
	}
	if err := appender.Flush(); err != nil {
		_ = appender.Close()
		return "", 0, fmt.Errorf("flush appender: %w", err)
	}
	if err := appender.Close(); err != nil {
		return "", 0, fmt.Errorf("close appender: %w", err)
	}

	copySQL := fmt.Sprintf("COPY %s TO '%s' (FORMAT PARQUET)", quoteIdent(staging), strings.ReplaceAll(path, "'", "''"))
	if _, err := w.conn.ExecContext(ctx, copySQL, nil); err != nil {
		return "", 0, fmt.Errorf("export parquet: %w", err)
	}
	return path, int64(len(table.Rows)), nil
}

// CountRows reads back the row count of a written Parquet file.
func (w *Writer) CountRows(ctx context.Context, path string) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT count(*) FROM read_parquet('%s')", strings.ReplaceAll(path, "'", "''"))
	if err := w.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count parquet rows: %w", err)
	}
	return n, nil
}

func stagingName(runID, table string) string {
	return "stage_" + models.SnakeCase(runID) + "_" + table
}

func createTableSQL(name string, cols []models.ColumnPlan) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.OutputName) + " " + sqlType(c.Type)
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))
}

func sqlType(t models.ColumnType) string {
	switch t {
	case models.TypeInt64:
		return "BIGINT"
	case models.TypeFloat64:
		return "DOUBLE"
	case models.TypeBool:
		return "BOOLEAN"
	case models.TypeDate:
		return "DATE"
	case models.TypeTimestamp:
		return "TIMESTAMP"
	}
	return "VARCHAR"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
