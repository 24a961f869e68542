package writer

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/johndauphine/tablecopy/internal/checkpoint"
	"github.com/johndauphine/tablecopy/internal/copyerr"
	"github.com/johndauphine/tablecopy/internal/dataset"
	"github.com/johndauphine/tablecopy/internal/driver"
	mssqldialect "github.com/johndauphine/tablecopy/internal/driver/mssql"
	"github.com/johndauphine/tablecopy/internal/driver/postgres"
	"github.com/johndauphine/tablecopy/internal/pipe"
	"github.com/johndauphine/tablecopy/internal/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	task      *checkpoint.Task
	completed []int
	progress  []int64
	keys      []string
	truncated int
}

func (s *fakeStore) GetTask(context.Context, checkpoint.TaskKey) (*checkpoint.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.task == nil {
		return nil, nil
	}
	t := *s.task
	return &t, nil
}

func (s *fakeStore) MarkTaskTruncated(context.Context, checkpoint.TaskKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncated++
	return nil
}

func (s *fakeStore) UpdateTaskUpsertKeys(_ context.Context, _ checkpoint.TaskKey, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
	return nil
}

func (s *fakeStore) UpdateTaskProgress(_ context.Context, _ checkpoint.TaskKey, rows int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, rows)
	return nil
}

func (s *fakeStore) CompleteBatch(ctx context.Context, _ checkpoint.TaskKey, batchID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, batchID)
	return nil
}

type countingProgress struct {
	mu   sync.Mutex
	rows int64
}

func (p *countingProgress) Add(_ string, n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows += n
}

// recordingDialect captures bulk writes instead of loading them. write, when
// set, decides the outcome of each call.
type recordingDialect struct {
	*postgres.Dialect

	mu    sync.Mutex
	ops   []driver.WriteOp
	write func(ctx context.Context, op driver.WriteOp) error
}

func newDialect() *recordingDialect {
	return &recordingDialect{Dialect: &postgres.Dialect{}}
}

func (d *recordingDialect) BulkWrite(ctx context.Context, _ *sql.DB, op driver.WriteOp) error {
	if d.write != nil {
		if err := d.write(ctx, op); err != nil {
			return err
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
	return nil
}

// failTimes fails the first n writes with err.
func failTimes(n int, err error) func(context.Context, driver.WriteOp) error {
	var mu sync.Mutex
	return func(context.Context, driver.WriteOp) error {
		mu.Lock()
		defer mu.Unlock()
		if n > 0 {
			n--
			return err
		}
		return nil
	}
}

var key = checkpoint.TaskKey{MigrationID: "m1", Pipeline: "orders->orders"}

func columns(names ...string) []dataset.Column {
	cols := make([]dataset.Column, len(names))
	for i, n := range names {
		cols[i] = dataset.Column{Name: n}
	}
	return cols
}

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock
}

// feed queues elements into a pipe large enough to hold them all.
func feed(t *testing.T, elements ...pipe.Element) *pipe.Pipe {
	t.Helper()
	p := pipe.New(pipe.Options{Capacity: len(elements) + 1, Timeout: time.Second, Key: key})
	t.Cleanup(p.Close)
	for _, e := range elements {
		require.NoError(t, p.Put(context.Background(), e))
	}
	return p
}

func newStrategy(store Store, progress Progress, mode Mode) *Strategy {
	return New(store, progress, Options{
		Mode:    mode,
		Workers: 1,
		Backlog: 4,
		Retry:   workerpool.RetryPolicy{Attempts: 3, Backoff: time.Millisecond},
	})
}

func TestWriteFullLoadTruncatesOnce(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeStore{task: &checkpoint.Task{TaskKey: key}}
	progress := &countingProgress{}
	dialect := newDialect()

	mock.ExpectExec(regexp.QuoteMeta(`TRUNCATE TABLE "public"."orders"`)).WillReturnResult(sqlmock.NewResult(0, 0))

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 0, Columns: columns("PK", "note"), Rows: [][]any{{int64(1), "n"}, {int64(2), "n"}}}),
		pipe.Value(&dataset.Page{BatchID: 1, Columns: columns("PK", "note"), Rows: [][]any{{int64(3), "n"}}}),
		pipe.Finished(),
	)

	rows, err := newStrategy(store, progress, ModeFull).Write(context.Background(), p, Target{
		DB:       db,
		Dialect:  dialect,
		Table:    driver.Table{Schema: "public", Name: "orders"},
		Key:      key,
		Truncate: true,
		Indexes:  IndexKeep,
	})
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	assert.Equal(t, int64(3), rows)
	assert.Equal(t, 1, store.truncated)
	assert.Equal(t, []int{0, 1}, store.completed)
	assert.Equal(t, []int64{2, 3, 3}, store.progress)
	assert.Equal(t, int64(3), progress.rows)
	require.Len(t, dialect.ops, 2)
	assert.Equal(t, driver.WriteOp{
		Kind:    driver.WriteInsert,
		Table:   driver.Table{Schema: "public", Name: "orders"},
		Columns: []string{"PK", "note"},
		Keys:    []string{},
		Rows:    [][]any{{int64(1), "n"}, {int64(2), "n"}},
	}, dialect.ops[0])
	require.NoError(t, mock.ExpectationsWereMet())
	assert.NoError(t, p.Err())
}

func TestWriteSkipsTruncateOnResume(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeStore{task: &checkpoint.Task{TaskKey: key, Truncated: true, TargetRows: 1000}}
	dialect := newDialect()

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 1, Columns: columns("PK"), Rows: [][]any{{int64(1001)}}}),
		pipe.Finished(),
	)
	rows, err := newStrategy(store, nil, ModeFull).Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "orders"}, Key: key, Truncate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1001), rows)
	assert.Zero(t, store.truncated)
	require.Len(t, dialect.ops, 1)
	assert.Equal(t, [][]any{{int64(1001)}}, dialect.ops[0].Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteIncrementalUpsertsOnDerivedKey(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeStore{}
	dialect := newDialect()

	item := &dataset.CopyItem{SourceTable: "items", TargetTable: "items", ColumnMap: map[string]string{"PK": "pk", "Name": "title"}}
	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 0, Columns: columns("PK", "Name"), Rows: [][]any{{int64(7), "seven"}}}),
		pipe.Finished(),
	)
	_, err := newStrategy(store, nil, ModeIncremental).Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "items"}, Key: key, Item: item,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"PK"}, store.keys)

	require.Len(t, dialect.ops, 1)
	op := dialect.ops[0]
	assert.Equal(t, driver.WriteUpsert, op.Kind)
	assert.Equal(t, []string{"pk", "title"}, op.Columns)
	assert.Equal(t, []string{"pk"}, op.Keys)
	assert.Equal(t, [][]any{{int64(7), "seven"}}, op.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteIncrementalWithoutKeyFails(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeStore{}
	dialect := newDialect()

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 0, Columns: columns("a", "b"), Rows: [][]any{{1, 2}}}),
		pipe.Finished(),
	)
	_, err := newStrategy(store, nil, ModeIncremental).Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "heap"}, Key: key,
	})

	var schema *copyerr.SchemaInvariantError
	require.True(t, errors.As(err, &schema), "expected SchemaInvariantError, got %v", err)
	assert.Contains(t, err.Error(), "valid identifier like PK or ID")
	assert.ErrorIs(t, p.Err(), copyerr.ErrPipeAborted)
	assert.Empty(t, store.completed)
	assert.Empty(t, dialect.ops)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteDeleteModeUsesKeys(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeStore{}
	dialect := newDialect()

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 0, Columns: columns("value", "PK", "ITEMPK", "LANGPK"), Rows: [][]any{{"x", int64(99), int64(10), int64(2)}}}),
		pipe.Finished(),
	)
	_, err := newStrategy(store, nil, ModeDelete).Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "props_lp"}, Key: key,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ITEMPK", "LANGPK"}, store.keys)

	require.Len(t, dialect.ops, 1)
	op := dialect.ops[0]
	assert.Equal(t, driver.WriteDelete, op.Kind)
	assert.Equal(t, []string{"ITEMPK", "LANGPK"}, op.Columns)
	assert.Equal(t, op.Columns, op.Keys)
	assert.Equal(t, [][]any{{int64(10), int64(2)}}, op.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWritePoisonAbortsPipeline(t *testing.T) {
	db, mock := newMockDB(t)
	cause := errors.New("reader exploded")

	p := feed(t, pipe.Poison(cause))
	_, err := newStrategy(&fakeStore{}, nil, ModeFull).Write(context.Background(), p, Target{
		DB: db, Dialect: newDialect(), Table: driver.Table{Schema: "public", Name: "orders"}, Key: key,
	})

	var poisoned *copyerr.PoisonedPipeError
	require.True(t, errors.As(err, &poisoned), "expected PoisonedPipeError, got %v", err)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, p.Err(), copyerr.ErrPipeAborted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteRetriesTransientFailures(t *testing.T) {
	db, _ := newMockDB(t)
	store := &fakeStore{}
	dialect := newDialect()
	dialect.write = failTimes(1, &pgconn.PgError{Code: pgerrcode.SerializationFailure, Message: "could not serialize access"})

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 4, Columns: columns("PK"), Rows: [][]any{{int64(1)}}}),
		pipe.Finished(),
	)
	rows, err := newStrategy(store, nil, ModeFull).Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "orders"}, Key: key,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)
	assert.Equal(t, []int{4}, store.completed)
	assert.Len(t, dialect.ops, 1)
}

func TestWriteFailureAbortsAndKeepsBatch(t *testing.T) {
	db, _ := newMockDB(t)
	store := &fakeStore{}
	dialect := newDialect()
	dialect.write = failTimes(1, &pgconn.PgError{Code: pgerrcode.UndefinedColumn, Message: `column "x" does not exist`})

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 2, Columns: columns("x"), Rows: [][]any{{1}}}),
		pipe.Finished(),
	)
	_, err := newStrategy(store, nil, ModeFull).Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "orders"}, Key: key,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "writing batch 2")
	var schema *copyerr.SchemaInvariantError
	assert.True(t, errors.As(err, &schema), "expected SchemaInvariantError, got %v", err)
	assert.Empty(t, store.completed)
	assert.ErrorIs(t, p.Err(), copyerr.ErrPipeAborted)
}

func TestWriteCommittedBatchSurvivesSiblingFailure(t *testing.T) {
	db, _ := newMockDB(t)
	store := &fakeStore{}
	dialect := newDialect()
	boom := errors.New("constraint violated")

	// Batch 0 commits only after batch 1 has failed and cancelled the pool.
	dialect.write = func(ctx context.Context, op driver.WriteOp) error {
		if op.Rows[0][0] == int64(1) {
			<-ctx.Done()
			return nil
		}
		return boom
	}

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 0, Columns: columns("PK"), Rows: [][]any{{int64(1)}}}),
		pipe.Value(&dataset.Page{BatchID: 1, Columns: columns("PK"), Rows: [][]any{{int64(11)}}}),
		pipe.Finished(),
	)
	s := New(store, nil, Options{
		Mode:    ModeFull,
		Workers: 2,
		Backlog: 4,
		Retry:   workerpool.RetryPolicy{Attempts: 1, Backoff: time.Millisecond},
	})
	rows, err := s.Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "orders"}, Key: key,
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0}, store.completed, "the committed batch must lose its checkpoint")
	assert.Equal(t, int64(1), rows)
	assert.ErrorIs(t, p.Err(), copyerr.ErrPipeAborted)
}

func TestWriteEmptyPageCompletesBatch(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeStore{}
	dialect := newDialect()

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 9, Columns: columns("PK")}),
		pipe.Finished(),
	)
	rows, err := newStrategy(store, nil, ModeFull).Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "orders"}, Key: key,
	})
	require.NoError(t, err)
	assert.Zero(t, rows)
	assert.Equal(t, []int{9}, store.completed)
	assert.Empty(t, dialect.ops)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteIdentityAndIndexesOnSQLServer(t *testing.T) {
	db, mock := newMockDB(t)
	store := &fakeStore{}

	mock.ExpectQuery("FROM sys.indexes").
		WithArgs("dbo", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("ix_orders_date"))
	mock.ExpectExec(regexp.QuoteMeta("ALTER INDEX [ix_orders_date] ON [dbo].[orders] DISABLE")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("c.is_identity = 1").
		WithArgs("dbo", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"has_identity"}).AddRow(1))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT [PK] INTO #_stg_dbo_orders FROM [dbo].[orders]")).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`INSERTBULK {"TableName":"#_stg_dbo_orders"`))
	prep.ExpectExec().WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 0))
	prep.ExpectExec().WithArgs().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET IDENTITY_INSERT [dbo].[orders] ON")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO [dbo].[orders] ([PK]) SELECT [PK] FROM #_stg_dbo_orders")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET IDENTITY_INSERT [dbo].[orders] OFF")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DROP TABLE #_stg_dbo_orders")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("ALTER INDEX ALL ON [dbo].[orders] REBUILD")).WillReturnResult(sqlmock.NewResult(0, 0))

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 0, Columns: columns("PK"), Rows: [][]any{{int64(5)}}}),
		pipe.Finished(),
	)
	_, err := newStrategy(store, nil, ModeFull).Write(context.Background(), p, Target{
		DB:      db,
		Dialect: &mssqldialect.Dialect{},
		Table:   driver.Table{Schema: "dbo", Name: "orders"},
		Key:     key,
		Indexes: IndexDisable,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0}, store.completed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteDisableIndexesUnsupportedOnPostgres(t *testing.T) {
	db, mock := newMockDB(t)
	dialect := newDialect()

	mock.ExpectQuery("SELECT i.relname").
		WithArgs("public", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"relname"}).AddRow("ix_orders_date"))

	p := feed(t,
		pipe.Value(&dataset.Page{BatchID: 0, Columns: columns("PK"), Rows: [][]any{{int64(5)}}}),
		pipe.Finished(),
	)
	_, err := newStrategy(&fakeStore{}, nil, ModeFull).Write(context.Background(), p, Target{
		DB: db, Dialect: dialect, Table: driver.Table{Schema: "public", Name: "orders"}, Key: key, Indexes: IndexDisable,
	})
	require.NoError(t, err)
	assert.Len(t, dialect.ops, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
