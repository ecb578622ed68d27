package dbpool

import (
	"context"
	"time"

	"github.com/devq-ai/agentical-sub002/pkg/errors"
	"github.com/devq-ai/agentical-sub002/pkg/types"

	"github.com/jackc/pgx/v5"
)

// NewPgxFactory returns a connection factory backed by a PostgreSQL driver.
// The factory dials, authenticates, and selects the configured database; a
// namespace maps onto the connection's search_path.
func NewPgxFactory() types.ConnectionFactory {
	return func(ctx context.Context, cfg types.ConnectionConfig) (types.Connection, error) {
		connConfig, err := pgx.ParseConfig(cfg.URL)
		if err != nil {
			return nil, errors.ConnectionError("parse_config", "invalid connection URL").Wrap(err)
		}

		if cfg.Username != "" {
			connConfig.User = cfg.Username
		}
		if cfg.Password != "" {
			connConfig.Password = cfg.Password
		}
		if cfg.Database != "" {
			connConfig.Database = cfg.Database
		}
		if cfg.Namespace != "" {
			if connConfig.RuntimeParams == nil {
				connConfig.RuntimeParams = make(map[string]string)
			}
			connConfig.RuntimeParams["search_path"] = cfg.Namespace
		}

		conn, err := pgx.ConnectConfig(ctx, connConfig)
		if err != nil {
			return nil, errors.ConnectionError("connect", "failed to establish connection").Wrap(err)
		}

		return &pgxConnection{conn: conn}, nil
	}
}

type pgxConnection struct {
	conn *pgx.Conn
}

// Query executes a statement with named parameters and materializes the rows
// as a slice of column-name maps.
func (c *pgxConnection) Query(ctx context.Context, text string, params map[string]interface{}) (interface{}, error) {
	var rows pgx.Rows
	var err error

	if len(params) > 0 {
		rows, err = c.conn.Query(ctx, text, pgx.NamedArgs(params))
	} else {
		rows, err = c.conn.Query(ctx, text)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	results := make([]map[string]interface{}, 0)

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(fields))
		for i, field := range fields {
			row[field.Name] = values[i]
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

func (c *pgxConnection) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.conn.Close(ctx)
}
