package mssql

import (
	"errors"
	"strings"
	"testing"

	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	mssql "github.com/microsoft/go-mssqldb"
)

var users = driver.Table{Schema: "dbo", Name: "Users"}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func TestStatements(t *testing.T) {
	d := &Dialect{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"truncate", d.TruncateStatement(users), "TRUNCATE TABLE [dbo].[Users]"},
		{"offset", d.OffsetQuery(users, []string{"ID"}, []string{"Email"}), "SELECT [ID] FROM [dbo].[Users] ORDER BY [Email] OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY"},
		{"seek", d.SeekQuery(users, []string{"ID"}, "ID", true), "SELECT [ID] FROM [dbo].[Users] WHERE [ID] >= @p1 AND [ID] < @p2 ORDER BY [ID]"},
		{"disable", d.DisableIndexStatement(users, "IX_Users_Email"), "ALTER INDEX [IX_Users_Email] ON [dbo].[Users] DISABLE"},
		{"drop", d.DropIndexStatement(users, "IX_Users_Email"), "DROP INDEX [IX_Users_Email] ON [dbo].[Users]"},
		{"rebuild", d.RebuildIndexesStatement(users), "ALTER INDEX ALL ON [dbo].[Users] REBUILD"},
		{"identity on", d.IdentityInsertStatement(users, true), "SET IDENTITY_INSERT [dbo].[Users] ON"},
		{"identity off", d.IdentityInsertStatement(users, false), "SET IDENTITY_INSERT [dbo].[Users] OFF"},
		{"analyze", d.AnalyzeStatement(users), "UPDATE STATISTICS [dbo].[Users]"},
		{"quote", d.QuoteIdentifier("a]b"), "[a]]b]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalize(tt.got); got != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	d := &Dialect{}
	tests := []struct {
		number        int32
		wantTransient bool
		wantSchema    bool
	}{
		{1205, true, false},
		{40613, true, false},
		{207, false, true},
		{208, false, true},
		{2627, false, false},
	}
	for _, tt := range tests {
		err := d.ClassifyError("write", mssql.Error{Number: tt.number, Message: "x"})
		var transient *copyerr.TransientIOError
		var schema *copyerr.SchemaInvariantError
		if errors.As(err, &transient) != tt.wantTransient {
			t.Errorf("error %d: transient mismatch (%v)", tt.number, err)
		}
		if errors.As(err, &schema) != tt.wantSchema {
			t.Errorf("error %d: schema mismatch (%v)", tt.number, err)
		}
	}

	plain := errors.New("boom")
	if got := d.ClassifyError("read", plain); got != plain {
		t.Errorf("ClassifyError(plain) = %v, want unchanged", got)
	}
}

func TestNormalizeValue(t *testing.T) {
	d := &Dialect{}
	if got := d.NormalizeValue(dataset.Column{TypeName: "DECIMAL"}, []byte("3.14")); got != "3.14" {
		t.Errorf("NormalizeValue(decimal) = %v", got)
	}
	if got := d.NormalizeValue(dataset.Column{TypeName: "NVARCHAR"}, "abc"); got != "abc" {
		t.Errorf("NormalizeValue(nvarchar) = %v", got)
	}
	guid := []byte{0x78, 0x56, 0x34, 0x12, 0x34, 0x12, 0x78, 0x56, 0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0}
	got, ok := d.NormalizeValue(dataset.Column{TypeName: "UNIQUEIDENTIFIER"}, guid).(string)
	if !ok || got != "12345678-1234-5678-1234-56789ABCDEF0" {
		t.Errorf("NormalizeValue(uniqueidentifier) = %v", got)
	}
}

func TestRegistered(t *testing.T) {
	d, err := driver.Get("sqlserver")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if d.Name() != "mssql" || d.SQLDriverName() != "sqlserver" {
		t.Errorf("unexpected driver %s/%s", d.Name(), d.SQLDriverName())
	}
	if got := driver.Canonicalize("SQL-SERVER"); got != "mssql" {
		t.Errorf("Canonicalize() = %q", got)
	}
}
