package cdc

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/source"
)

// Installer generates and applies the change-log table, functions and
// triggers on a source database. Setup runs once per table; every
// statement is idempotent so re-running it repairs a partial install.
type Installer struct {
	conn   source.Conn
	engine catalog.Engine
	logger zerolog.Logger
}

// NewInstaller wires an installer for one source connection.
func NewInstaller(conn source.Conn, engine catalog.Engine, logger zerolog.Logger) *Installer {
	return &Installer{
		conn:   conn,
		engine: engine,
		logger: logger.With().Str("component", "cdc-setup").Logger(),
	}
}

// Install creates the change log (if missing) and the per-table function
// and triggers for every given table.
func (in *Installer) Install(ctx context.Context, tables []*catalog.Entry) error {
	stmts, err := in.Statements(ctx, tables)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := in.conn.ExecuteStatement(ctx, stmt); err != nil {
			return fmt.Errorf("cdc setup: %w", err)
		}
	}
	in.logger.Info().Int("tables", len(tables)).Msg("cdc triggers installed")
	return nil
}

// Statements returns the full DDL script without applying it, for
// operators who roll schema changes through their own tooling.
func (in *Installer) Statements(ctx context.Context, tables []*catalog.Entry) ([]string, error) {
	var stmts []string
	switch in.engine {
	case catalog.EnginePostgreSQL:
		stmts = append(stmts, pgChangeLogDDL()...)
	case catalog.EngineMariaDB:
		stmts = append(stmts, mysqlChangeLogDDL()...)
	default:
		return nil, fmt.Errorf("cdc triggers not supported on %s", in.engine)
	}

	for _, e := range tables {
		switch in.engine {
		case catalog.EnginePostgreSQL:
			stmts = append(stmts, pgTableTriggers(e)...)
		case catalog.EngineMariaDB:
			cols, err := in.conn.DiscoverSchema(ctx, e.SchemaName, e.TableName)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, mysqlTableTriggers(e, cols)...)
		}
	}
	return stmts, nil
}

func objectSuffix(e *catalog.Entry) string {
	return strings.ToLower(e.SchemaName + "_" + e.TableName)
}

func pgChangeLogDDL() []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, LogSchema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	change_id   bigserial PRIMARY KEY,
	change_time timestamptz NOT NULL DEFAULT now(),
	operation   char(1) NOT NULL,
	schema_name text NOT NULL,
	table_name  text NOT NULL,
	pk_values   jsonb,
	row_data    jsonb
)`, LogSchema, LogTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ds_change_log_route_idx ON %s.%s (schema_name, table_name, change_id)`, LogSchema, LogTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS ds_change_log_time_idx ON %s.%s (schema_name, table_name, change_time)`, LogSchema, LogTable),
	}
}

// pgTableTriggers builds the row-capture function and the three AFTER
// triggers for one table. The function serialises the affected row with
// to_jsonb and derives pk_values from NEW/OLD, falling back to an md5 of
// the whole row when the table has no key.
func pgTableTriggers(e *catalog.Entry) []string {
	suffix := objectSuffix(e)
	fn := fmt.Sprintf("%s.ds_fn_%s", LogSchema, suffix)

	var pkExpr string
	if e.HasPK() {
		pairs := make([]string, len(e.PKColumns))
		for i, col := range e.PKColumns {
			pairs[i] = fmt.Sprintf("'%s', rec.%s", col, quotePG(col))
		}
		pkExpr = "jsonb_build_object(" + strings.Join(pairs, ", ") + ")"
	} else {
		pkExpr = "jsonb_build_object('" + HashKey + "', md5(rec::text))"
	}

	function := fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
DECLARE
	rec record;
	op  char(1);
BEGIN
	IF TG_OP = 'DELETE' THEN
		rec := OLD; op := 'D';
	ELSIF TG_OP = 'UPDATE' THEN
		rec := NEW; op := 'U';
	ELSE
		rec := NEW; op := 'I';
	END IF;
	INSERT INTO %s.%s (operation, schema_name, table_name, pk_values, row_data)
	VALUES (op, '%s', '%s', %s,
		CASE WHEN op = 'D' THEN NULL ELSE to_jsonb(rec) END);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`, fn, LogSchema, LogTable, e.SchemaName, e.TableName, pkExpr)

	table := quotePG(e.SchemaName) + "." + quotePG(e.TableName)
	stmts := []string{function}
	for _, t := range []struct{ tag, event string }{
		{"ai", "INSERT"}, {"au", "UPDATE"}, {"ad", "DELETE"},
	} {
		trigger := fmt.Sprintf("ds_tr_%s_%s", suffix, t.tag)
		stmts = append(stmts,
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, trigger, table),
			fmt.Sprintf(`CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW EXECUTE FUNCTION %s()`,
				trigger, t.event, table, fn))
	}
	return stmts
}

func mysqlChangeLogDDL() []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", LogSchema),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.`%s` (\n"+
			"	change_id   bigint AUTO_INCREMENT PRIMARY KEY,\n"+
			"	change_time timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP,\n"+
			"	operation   char(1) NOT NULL,\n"+
			"	schema_name varchar(128) NOT NULL,\n"+
			"	table_name  varchar(128) NOT NULL,\n"+
			"	pk_values   json,\n"+
			"	row_data    json,\n"+
			"	INDEX ds_change_log_route_idx (schema_name, table_name, change_id),\n"+
			"	INDEX ds_change_log_time_idx (schema_name, table_name, change_time)\n"+
			")", LogSchema, LogTable),
	}
}

// mysqlTableTriggers builds the three triggers for one table. MySQL has
// no trigger-shared function, so each trigger carries the full insert;
// row_data is assembled with JSON_OBJECT over the column list.
func mysqlTableTriggers(e *catalog.Entry, cols []source.Column) []string {
	suffix := objectSuffix(e)
	table := fmt.Sprintf("`%s`.`%s`", e.SchemaName, e.TableName)
	logTable := fmt.Sprintf("`%s`.`%s`", LogSchema, LogTable)

	rowExpr := func(prefix string) string {
		pairs := make([]string, len(cols))
		for i, c := range cols {
			pairs[i] = fmt.Sprintf("'%s', %s.`%s`", c.Name, prefix, c.Name)
		}
		return "JSON_OBJECT(" + strings.Join(pairs, ", ") + ")"
	}
	pkExpr := func(prefix string) string {
		if e.HasPK() {
			pairs := make([]string, len(e.PKColumns))
			for i, col := range e.PKColumns {
				pairs[i] = fmt.Sprintf("'%s', %s.`%s`", col, prefix, col)
			}
			return "JSON_OBJECT(" + strings.Join(pairs, ", ") + ")"
		}
		return fmt.Sprintf("JSON_OBJECT('%s', MD5(%s))", HashKey, rowExpr(prefix))
	}

	insert := func(op, prefix, rowData string) string {
		return fmt.Sprintf("INSERT INTO %s (operation, schema_name, table_name, pk_values, row_data) "+
			"VALUES ('%s', '%s', '%s', %s, %s)",
			logTable, op, e.SchemaName, e.TableName, pkExpr(prefix), rowData)
	}

	var stmts []string
	for _, t := range []struct {
		tag, event, op, prefix string
		withRow                bool
	}{
		{"ai", "INSERT", OpInsert, "NEW", true},
		{"au", "UPDATE", OpUpdate, "NEW", true},
		{"ad", "DELETE", OpDelete, "OLD", false},
	} {
		// MySQL requires the trigger to live in its table's schema.
		trigger := fmt.Sprintf("`%s`.`ds_tr_%s_%s`", e.SchemaName, suffix, t.tag)
		rowData := "NULL"
		if t.withRow {
			rowData = rowExpr(t.prefix)
		}
		stmts = append(stmts,
			fmt.Sprintf("DROP TRIGGER IF EXISTS %s", trigger),
			fmt.Sprintf("CREATE TRIGGER %s AFTER %s ON %s FOR EACH ROW %s",
				trigger, t.event, table, insert(t.op, t.prefix, rowData)))
	}
	return stmts
}

func quotePG(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
