package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/gridsynth/pkg/errors"
	"github.com/inferloop/gridsynth/pkg/models"
)

// Config holds configuration for reading the training table from Postgres.
// Either DSN or the discrete connection fields may be set. Query takes
// precedence over Table.
type Config struct {
	DSN             string        `json:"dsn,omitempty" mapstructure:"dsn"`
	Host            string        `json:"host" mapstructure:"host"`
	Port            int           `json:"port" mapstructure:"port"`
	Database        string        `json:"database" mapstructure:"database"`
	Username        string        `json:"username" mapstructure:"username"`
	Password        string        `json:"password" mapstructure:"password"`
	SSLMode         string        `json:"ssl_mode" mapstructure:"ssl_mode"`
	Table           string        `json:"table" mapstructure:"table"`
	Query           string        `json:"query,omitempty" mapstructure:"query"`
	ConnectTimeout  time.Duration `json:"connect_timeout" mapstructure:"connect_timeout"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// TableSource loads a wide-format table (one row per entity and period)
// from a Postgres relation. Numeric array columns become []float64 cells;
// everything else is read as text.
type TableSource struct {
	config *Config
	db     *sql.DB
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewTableSource creates a new Postgres table source
func NewTableSource(config *Config, logger *logrus.Logger) (*TableSource, error) {
	if config == nil {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Postgres config cannot be nil")
	}
	if config.Query == "" && config.Table == "" {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, "Postgres table or query is required")
	}
	if config.Query == "" && !identPattern.MatchString(config.Table) {
		return nil, errors.NewStorageError(errors.CodeInvalidConfig, fmt.Sprintf("invalid table name %q", config.Table))
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &TableSource{config: config, logger: logger}, nil
}

func (p *TableSource) connString() string {
	if p.config.DSN != "" {
		return p.config.DSN
	}
	sslMode := p.config.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	port := p.config.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.config.Host,
		port,
		p.config.Username,
		p.config.Password,
		p.config.Database,
		sslMode,
	)
}

func (p *TableSource) query() string {
	if p.config.Query != "" {
		return p.config.Query
	}
	return "SELECT * FROM " + p.config.Table
}

// Connect opens the pool and pings the server
func (p *TableSource) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.db != nil {
		return nil
	}
	db, err := sql.Open("postgres", p.connString())
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to open database connection")
	}
	if p.config.MaxConnections > 0 {
		db.SetMaxOpenConns(p.config.MaxConnections)
	}
	if p.config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.config.ConnMaxLifetime)
	}

	pingCtx := ctx
	if p.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, p.config.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeConnectionFailed, "failed to ping database")
	}
	p.db = db

	p.logger.WithFields(logrus.Fields{
		"host":     p.config.Host,
		"database": p.config.Database,
	}).Info("Connected to Postgres")
	return nil
}

// Close closes the pool
func (p *TableSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Ping tests the connection
func (p *TableSource) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return errors.NewStorageError("NOT_CONNECTED", "Postgres not connected")
	}
	return p.db.PingContext(ctx)
}

// LoadTable runs the configured query and collects every row
func (p *TableSource) LoadTable(ctx context.Context) (*models.Table, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return nil, errors.NewStorageError("NOT_CONNECTED", "Postgres not connected")
	}
	start := time.Now()
	rows, err := p.db.QueryContext(ctx, p.query())
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to query training table")
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read column types")
	}
	names := make([]string, len(types))
	typeNames := make([]string, len(types))
	for i, ct := range types {
		names[i] = ct.Name()
		typeNames[i] = ct.DatabaseTypeName()
	}

	table := models.NewTable(names...)
	for rows.Next() {
		targets := scanTargets(typeNames)
		if err := rows.Scan(targets...); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
				fmt.Sprintf("failed to scan row %d", table.Len()))
		}
		table.Append(rowFromTargets(names, targets))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to iterate training table")
	}

	p.logger.WithFields(logrus.Fields{
		"rows":     table.Len(),
		"columns":  len(names),
		"duration": time.Since(start),
	}).Info("Loaded training table from Postgres")
	return table, nil
}

func isNumericArray(typeName string) bool {
	switch strings.ToUpper(typeName) {
	case "_FLOAT4", "_FLOAT8", "_NUMERIC", "_INT2", "_INT4", "_INT8":
		return true
	}
	return false
}

func scanTargets(typeNames []string) []interface{} {
	targets := make([]interface{}, len(typeNames))
	for i, tn := range typeNames {
		if isNumericArray(tn) {
			targets[i] = &pq.Float64Array{}
		} else {
			targets[i] = &sql.NullString{}
		}
	}
	return targets
}

func rowFromTargets(names []string, targets []interface{}) models.Row {
	row := make(models.Row, len(names))
	for i, name := range names {
		switch v := targets[i].(type) {
		case *pq.Float64Array:
			if *v != nil {
				row[name] = []float64(*v)
			}
		case *sql.NullString:
			if v.Valid {
				row[name] = v.String
			}
		}
	}
	return row
}
