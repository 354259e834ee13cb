package executors

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	// Supported engines, linked but never referenced directly.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/waveflow-go/internal/domain/workflow"
	"github.com/waveflow-go/internal/engine/dispatch"
	"github.com/waveflow-go/pkg/logger"
)

// defaultMaxRows bounds how much of a result set a node pulls into the
// run record.
const defaultMaxRows = 100

var sqlDrivers = map[string]string{
	"postgres": "postgres",
	"mysql":    "mysql",
	"sqlite3":  "sqlite",
}

// DatabaseExecutor runs parameterized SQL against postgres, mysql or
// sqlite3. Pools are cached per driver and DSN and shared across runs;
// Close releases them on shutdown.
type DatabaseExecutor struct {
	mu     sync.Mutex
	pools  map[string]*sql.DB
	logger logger.Logger
}

type databaseParams struct {
	Driver  string        `json:"driver"`
	DSN     string        `json:"dsn"`
	Query   string        `json:"query"`
	Args    []interface{} `json:"args"`
	MaxRows int           `json:"maxRows"`
}

func NewDatabaseExecutor(log logger.Logger) *DatabaseExecutor {
	return &DatabaseExecutor{
		pools:  make(map[string]*sql.DB),
		logger: log,
	}
}

// Execute runs the query and returns a rows envelope for reads or an
// affected-count envelope for writes. Query text is never templated;
// values travel as bound args, which are the only interpolated part.
func (e *DatabaseExecutor) Execute(ctx context.Context, node *workflow.Node, execCtx *dispatch.ExecutionContext) (*dispatch.Result, error) {
	params, err := e.parseParams(node)
	if err != nil {
		return nil, err
	}

	db, err := e.pool(params.Driver, params.DSN)
	if err != nil {
		return nil, err
	}

	vars := scope(execCtx)
	args := make([]interface{}, len(params.Args))
	for i, arg := range params.Args {
		args[i] = interpolateValue(arg, vars)
	}

	if isRowQuery(params.Query) {
		return e.query(ctx, db, params, args)
	}
	return e.exec(ctx, db, params.Query, args)
}

func (e *DatabaseExecutor) Validate(node *workflow.Node) error {
	params, err := e.parseParams(node)
	if err != nil {
		return err
	}
	if _, ok := sqlDrivers[params.Driver]; !ok {
		return fmt.Errorf("unsupported driver %q", params.Driver)
	}
	if params.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if strings.TrimSpace(params.Query) == "" {
		return fmt.Errorf("query is required")
	}
	return nil
}

// Close closes every cached pool.
func (e *DatabaseExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for key, db := range e.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.pools, key)
	}
	return firstErr
}

func (e *DatabaseExecutor) parseParams(node *workflow.Node) (*databaseParams, error) {
	var params databaseParams
	if err := parseParams(node, &params); err != nil {
		return nil, fmt.Errorf("invalid database parameters: %w", err)
	}
	return &params, nil
}

func (e *DatabaseExecutor) pool(driver, dsn string) (*sql.DB, error) {
	key := driver + "|" + dsn

	e.mu.Lock()
	defer e.mu.Unlock()
	if db, ok := e.pools[key]; ok {
		return db, nil
	}

	db, err := sql.Open(sqlDrivers[driver], dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	switch driver {
	case "sqlite3":
		// A sqlite :memory: database lives in its single connection,
		// so the pool must never rotate it.
		db.SetMaxOpenConns(1)
	default:
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	e.pools[key] = db
	e.logger.Debug("database pool opened", "driver", driver)
	return db, nil
}

func isRowQuery(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") ||
		strings.HasPrefix(head, "WITH") ||
		strings.HasPrefix(head, "SHOW")
}

func (e *DatabaseExecutor) query(ctx context.Context, db *sql.DB, params *databaseParams, args []interface{}) (*dispatch.Result, error) {
	maxRows := params.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}

	rows, err := db.QueryContext(ctx, params.Query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, 0, 16)
	for rows.Next() && len(results) < maxRows {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			value := values[i]
			if b, ok := value.([]byte); ok {
				value = string(b)
			}
			row[column] = value
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &dispatch.Result{Output: map[string]interface{}{
		"rows":     results,
		"rowCount": len(results),
		"columns":  columns,
		"success":  true,
	}}, nil
}

func (e *DatabaseExecutor) exec(ctx context.Context, db *sql.DB, query string, args []interface{}) (*dispatch.Result, error) {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}

	affected, _ := result.RowsAffected()
	// LastInsertId is driver-dependent; postgres reports nothing here.
	lastID, _ := result.LastInsertId()

	return &dispatch.Result{Output: map[string]interface{}{
		"rowsAffected": affected,
		"lastInsertId": lastID,
		"success":      true,
	}}, nil
}
