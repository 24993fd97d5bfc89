package catalog

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dbsmedya/geomatch/internal/geo"
	"github.com/dbsmedya/geomatch/internal/logger"
	"github.com/dbsmedya/geomatch/internal/partition"
	"github.com/dbsmedya/geomatch/internal/snapshot"
	"github.com/dbsmedya/geomatch/internal/sqlutil"
	"github.com/dbsmedya/geomatch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockCatalog(t *testing.T) (*Catalog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c, err := New(db, sqlutil.MySQL, logger.NewNop())
	require.NoError(t, err)
	c.now = func() time.Time { return fixedNow }
	return c, mock
}

func TestNew_Validation(t *testing.T) {
	db, _, _ := sqlmock.New()
	defer func() { _ = db.Close() }()

	tests := []struct {
		name      string
		db        *sql.DB
		log       *logger.Logger
		expectErr bool
	}{
		{name: "Valid inputs", db: db, log: logger.NewNop()},
		{name: "Nil database", db: nil, log: logger.NewNop(), expectErr: true},
		{name: "Nil logger with valid DB", db: db, log: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.db, sqlutil.MySQL, tt.log)
			if tt.expectErr {
				assert.Error(t, err)
				assert.Nil(t, c)
				assert.Contains(t, err.Error(), "database connection is nil")
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, c)
		})
	}
}

func TestInitializeTables_Success(t *testing.T) {
	c, mock := newMockCatalog(t)

	for _, table := range []string{"geomatch_box", "geomatch_pair", "geomatch_run", "geomatch_snapshot"} {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table + " ").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, c.InitializeTables(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeTables_Failure(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS geomatch_box").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS geomatch_pair").WillReturnError(errors.New("disk full"))

	err := c.InitializeTables(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create geomatch_pair table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeTables_DialectTypes(t *testing.T) {
	mysql := &Catalog{dialect: sqlutil.MySQL}
	pg := &Catalog{dialect: sqlutil.Postgres}

	assert.Contains(t, mysql.tableSQL()[0].ddl, "box_id VARCHAR(191) PRIMARY KEY")
	assert.Contains(t, mysql.tableSQL()[0].ddl, "ENGINE=InnoDB")
	assert.Contains(t, pg.tableSQL()[2].ddl, "created_at TIMESTAMP NOT NULL")
	assert.NotContains(t, pg.tableSQL()[2].ddl, "ENGINE")
}

func TestSaveBoxes(t *testing.T) {
	c, mock := newMockCatalog(t)
	box := &partition.Box{
		ID:           "box-0-0-0",
		Core:         partition.Rect{MinX: 0, MinY: 0, MaxX: 400, MaxY: 400},
		Bounds:       geo.Bounds{West: 13.1, South: 52.1, East: 13.2, North: 52.2},
		MarginMeters: 25,
		Images:       []string{"a", "b", "c"},
		CoreCount:    2,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `geomatch_box`")).
		WithArgs("box-0-0-0", 0.0, 0.0, 400.0, 400.0, 13.1, 52.1, 13.2, 52.2, 25.0, 3, 2, 0, 0, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, c.SaveBoxes(context.Background(), []*partition.Box{box}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBoxes_RollsBackOnError(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("constraint"))
	mock.ExpectRollback()

	err := c.SaveBoxes(context.Background(), []*partition.Box{{ID: "box-0-0-0"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save box box-0-0-0")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePairs(t *testing.T) {
	c, mock := newMockCatalog(t)
	high := types.PairCandidate{
		Key: types.NewPairKey("a", "b"), Origin: types.OriginSpatial,
		State: types.StateVerifiedHighInlier, Inliers: 120,
	}
	same := types.PairCandidate{
		Key: types.NewPairKey("b", "c"), Origin: types.OriginSpatial,
		State: types.StateUnverified,
	}
	fresh := types.PairCandidate{
		Key: types.NewPairKey("c", "d"), Origin: types.ExpansionOrigin(1),
		State: types.StateUnverified,
	}

	mock.ExpectBegin()
	// state changed on an existing row
	mock.ExpectExec("UPDATE geomatch_pair").
		WithArgs("verified-high-inlier", 120, fixedNow, "a", "b", "verified-high-inlier").
		WillReturnResult(sqlmock.NewResult(0, 1))
	// existing row already in this state
	mock.ExpectExec("UPDATE geomatch_pair").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `geomatch_pair`")).
		WithArgs("b", "c", "spatial", "unverified", 0, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// new row
	mock.ExpectExec("UPDATE geomatch_pair").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `geomatch_pair`")).
		WithArgs("c", "d", "query-expansion-round-1", "unverified", 0, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := c.SavePairs(context.Background(), []types.PairCandidate{high, same, fresh})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePairs_Empty(t *testing.T) {
	c, mock := newMockCatalog(t)

	n, err := c.SavePairs(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var runCols = []string{"run_id", "partition_id", "state", "images", "registered", "ratio", "retries",
	"snapshot_id", "lost_progress", "error_message", "created_at", "updated_at"}

func TestGetOrCreateRun_Existing(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectQuery("SELECT run_id, partition_id, state").WithArgs("p1-cc0").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow(
			"p1-cc0", "p1", "registering", 40, 12, 0.3, 1, "p1-cc0-s0002", 0, nil, fixedNow, fixedNow))

	run, err := c.GetOrCreateRun(context.Background(), "p1-cc0", "p1", 40)
	require.NoError(t, err)
	assert.Equal(t, "registering", run.State)
	assert.Equal(t, 12, run.Registered)
	assert.Equal(t, "p1-cc0-s0002", run.SnapshotID)
	assert.Empty(t, run.ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateRun_New(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectQuery("SELECT run_id, partition_id, state").WithArgs("p1-cc0").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO geomatch_run").
		WithArgs("p1-cc0", "p1", 40, fixedNow, fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	run, err := c.GetOrCreateRun(context.Background(), "p1-cc0", "p1", 40)
	require.NoError(t, err)
	assert.Equal(t, "pending", run.State)
	assert.Equal(t, 40, run.Images)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunState_NotFound(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectExec("UPDATE geomatch_run SET state").
		WithArgs("converged", fixedNow, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := c.UpdateRunState(context.Background(), "missing", "converged")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunResult_TruncatesError(t *testing.T) {
	c, mock := newMockCatalog(t)
	long := make([]byte, 1500)
	for i := range long {
		long[i] = 'x'
	}

	mock.ExpectExec("UPDATE geomatch_run").
		WithArgs("failed", 3, 0.5, 0, "", 1,
			string(long[:1000]), fixedNow, "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := c.SaveRunResult(context.Background(), RunResult{
		RunID: "r1", State: "failed", Registered: 3, Ratio: 0.5,
		LostProgress: true, Err: errors.New(string(long)),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestSnapshot_NotFound(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectQuery("SELECT snapshot_id").WithArgs("r1").WillReturnError(sql.ErrNoRows)

	_, err := c.LatestSnapshot(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordSnapshot(t *testing.T) {
	c, mock := newMockCatalog(t)
	snap := &snapshot.Snapshot{
		ID: "r1-s0003", RunID: "r1", Parent: "r1-s0002", Sequence: 3,
		Registered: []string{"a", "b", "c"}, NumPoints: 900, MeanReprojError: 0.7,
		PayloadKey: "r1-s0003.snap", Size: 2048, SHA256: "abc", Final: true, State: "converged",
		CreatedAt: fixedNow,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `geomatch_snapshot`")).
		WithArgs("r1-s0003", "r1", "r1-s0002", 3, 3, 900, 0.7, "r1-s0003.snap", int64(2048), "abc", 1, "converged", fixedNow).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, c.RecordSnapshot(context.Background(), snap))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStats(t *testing.T) {
	c, mock := newMockCatalog(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM geomatch_box").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(6))
	mock.ExpectQuery("FROM geomatch_pair GROUP BY state").
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).
			AddRow("unverified", 10).AddRow("verified-high-inlier", 4))
	mock.ExpectQuery("FROM geomatch_run GROUP BY state").
		WillReturnRows(sqlmock.NewRows([]string{"state", "count"}).AddRow("converged", 2))
	mock.ExpectQuery("FROM geomatch_snapshot").
		WillReturnRows(sqlmock.NewRows([]string{"count", "final"}).AddRow(7, 2))

	st, err := c.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, st.Boxes)
	assert.Equal(t, map[string]int{"unverified": 10, "verified-high-inlier": 4}, st.Pairs)
	assert.Equal(t, 2, st.Runs["converged"])
	assert.Equal(t, 7, st.Snapshots)
	assert.Equal(t, 2, st.FinalSnaps)
	assert.NoError(t, mock.ExpectationsWereMet())
}
