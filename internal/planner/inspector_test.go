package planner

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/johndauphine/tablecopy/internal/driver"
	"github.com/johndauphine/tablecopy/internal/driver/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockInspector(t *testing.T) (*CatalogInspector, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewCatalogInspector(db, &postgres.Dialect{}), mock
}

func TestInspectorUniqueIndexesGroupsColumns(t *testing.T) {
	insp, mock := newMockInspector(t)
	table := driver.Table{Schema: "public", Name: "orders"}

	mock.ExpectQuery("SELECT i.relname, a.attname").
		WithArgs("public", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "attname"}).
			AddRow("ux_code", "code").
			AddRow("ux_region_no", "region").
			AddRow("ux_region_no", "order_no"))

	indexes, err := insp.UniqueIndexes(context.Background(), table)
	require.NoError(t, err)
	assert.Equal(t, []Index{
		{Name: "ux_code", Columns: []string{"code"}},
		{Name: "ux_region_no", Columns: []string{"region", "order_no"}},
	}, indexes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInspectorPrimaryKey(t *testing.T) {
	insp, mock := newMockInspector(t)

	mock.ExpectQuery("WHERE i.indisprimary").
		WithArgs("public", "items").
		WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("ITEMPK").AddRow("LANGPK"))

	pk, err := insp.PrimaryKey(context.Background(), driver.Table{Schema: "public", Name: "items"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ITEMPK", "LANGPK"}, pk)
}

func TestInspectorMarkersNormalizesText(t *testing.T) {
	insp, mock := newMockInspector(t)
	table := driver.Table{Schema: "public", Name: "codes"}

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE __rn % 1000 = 0`)).
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(sqlmock.NewColumn("code").OfType("TEXT", "")).
			AddRow([]byte("A")).
			AddRow([]byte("M")))

	markers, err := insp.Markers(context.Background(), table, "code", 1000)
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "M"}, markers)
}

func TestInspectorRowCount(t *testing.T) {
	insp, mock := newMockInspector(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "public"."orders"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2050)))

	n, err := insp.RowCount(context.Background(), driver.Table{Schema: "public", Name: "orders"})
	require.NoError(t, err)
	assert.Equal(t, int64(2050), n)
}

func TestInspectorColumns(t *testing.T) {
	insp, mock := newMockInspector(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "public"."orders" WHERE 1=0`)).
		WillReturnRows(sqlmock.NewRowsWithColumnDefinition(
			sqlmock.NewColumn("PK").OfType("INT8", int64(0)),
			sqlmock.NewColumn("total").OfType("NUMERIC", "").WithPrecisionAndScale(12, 2).Nullable(true),
		))

	columns, err := insp.Columns(context.Background(), driver.Table{Schema: "public", Name: "orders"})
	require.NoError(t, err)
	require.Len(t, columns, 2)
	assert.Equal(t, "PK", columns[0].Name)
	assert.Equal(t, "INT8", columns[0].TypeName)
	assert.Equal(t, "NUMERIC", columns[1].TypeName)
	assert.Equal(t, int64(12), columns[1].Precision)
	assert.Equal(t, int64(2), columns[1].Scale)
	assert.True(t, columns[1].Nullable)
}
