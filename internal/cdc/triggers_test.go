package cdc

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lakesync/lakesync/internal/catalog"
	"github.com/lakesync/lakesync/internal/source"
)

type fakeSetupConn struct {
	cols  []source.Column
	stmts []string
}

func (f *fakeSetupConn) TestConnection(context.Context) error { return nil }

func (f *fakeSetupConn) ExecuteQuery(context.Context, string, ...any) ([][]string, error) {
	return nil, nil
}

func (f *fakeSetupConn) ExecuteStatement(_ context.Context, stmt string, _ ...any) (int64, error) {
	f.stmts = append(f.stmts, stmt)
	return 0, nil
}

func (f *fakeSetupConn) DiscoverSchema(context.Context, string, string) ([]source.Column, error) {
	return f.cols, nil
}

func (f *fakeSetupConn) PrimaryKeyColumns(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (f *fakeSetupConn) Dialect() source.Dialect { return source.MySQL }
func (f *fakeSetupConn) Close() error            { return nil }

func setupEntry(schema, table string, pk []string) *catalog.Entry {
	return &catalog.Entry{
		SchemaName: schema,
		TableName:  table,
		Engine:     catalog.EngineMariaDB,
		PKStrategy: catalog.StrategyCDC,
		PKColumns:  pk,
		Active:     true,
	}
}

// MariaDB triggers must live in the watched table's schema, not in the
// change-log schema: MySQL rejects a trigger created outside its
// table's schema outright.
func TestMariaDBTriggersInTableSchema(t *testing.T) {
	conn := &fakeSetupConn{cols: []source.Column{
		{Name: "id", Type: "int", PrimaryKey: true},
		{Name: "total", Type: "decimal"},
	}}
	in := NewInstaller(conn, catalog.EngineMariaDB, zerolog.Nop())

	stmts, err := in.Statements(context.Background(), []*catalog.Entry{
		setupEntry("shop", "orders", []string{"id"}),
	})
	if err != nil {
		t.Fatalf("Statements: %v", err)
	}

	var created []string
	for _, stmt := range stmts {
		if strings.Contains(stmt, "`"+LogSchema+"`.`ds_tr_") {
			t.Errorf("trigger placed in the change-log schema: %s", stmt)
		}
		if strings.HasPrefix(stmt, "CREATE TRIGGER") {
			created = append(created, stmt)
		}
	}
	if len(created) != 3 {
		t.Fatalf("created %d triggers, want 3", len(created))
	}
	for _, stmt := range created {
		if !strings.Contains(stmt, "CREATE TRIGGER `shop`.`ds_tr_shop_orders_") {
			t.Errorf("trigger not qualified with the table schema: %s", stmt)
		}
		if !strings.Contains(stmt, "ON `shop`.`orders`") {
			t.Errorf("trigger not bound to its table: %s", stmt)
		}
	}
}

func TestMariaDBTriggerDropsMatchCreates(t *testing.T) {
	conn := &fakeSetupConn{cols: []source.Column{{Name: "id", Type: "int", PrimaryKey: true}}}
	in := NewInstaller(conn, catalog.EngineMariaDB, zerolog.Nop())

	stmts, err := in.Statements(context.Background(), []*catalog.Entry{
		setupEntry("shop", "orders", []string{"id"}),
	})
	if err != nil {
		t.Fatalf("Statements: %v", err)
	}

	for _, tag := range []string{"ai", "au", "ad"} {
		name := "`shop`.`ds_tr_shop_orders_" + tag + "`"
		var dropped, made bool
		for _, stmt := range stmts {
			if stmt == "DROP TRIGGER IF EXISTS "+name {
				dropped = true
			}
			if strings.HasPrefix(stmt, "CREATE TRIGGER "+name+" ") {
				made = true
			}
		}
		if !dropped || !made {
			t.Errorf("trigger %s: dropped=%v created=%v", name, dropped, made)
		}
	}
}

func TestPostgresTriggersReferenceLogTable(t *testing.T) {
	in := NewInstaller(&fakeSetupConn{}, catalog.EnginePostgreSQL, zerolog.Nop())

	stmts, err := in.Statements(context.Background(), []*catalog.Entry{
		setupEntry("hr", "emp", []string{"id"}),
	})
	if err != nil {
		t.Fatalf("Statements: %v", err)
	}

	var joined string
	for _, stmt := range stmts {
		joined += stmt + "\n"
	}
	for _, want := range []string{
		"CREATE SCHEMA IF NOT EXISTS " + LogSchema,
		LogSchema + "." + LogTable,
		`CREATE TRIGGER ds_tr_hr_emp_ai AFTER INSERT ON "hr"."emp"`,
		LogSchema + ".ds_fn_hr_emp",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("statements missing %q", want)
		}
	}
}
