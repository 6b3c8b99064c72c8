package migrations

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	statements []string
	failOn     string
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.failOn != "" && strings.Contains(sql, r.failOn) {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	r.statements = append(r.statements, sql)
	return pgconn.CommandTag{}, nil
}

func TestApplyRunsFilesInOrder(t *testing.T) {
	db := &recordingExecer{}
	require.NoError(t, Apply(context.Background(), db))

	require.Equal(t, []string{"0001_escrow.sql", "0002_principals.sql"}, Names())
	require.Len(t, db.statements, 2)
	assert.Contains(t, db.statements[0], "CREATE TABLE IF NOT EXISTS orders")
	assert.Contains(t, db.statements[1], "CREATE TABLE IF NOT EXISTS principals")
}

func TestApplyStopsAtFirstFailure(t *testing.T) {
	db := &recordingExecer{failOn: "orders"}
	err := Apply(context.Background(), db)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_escrow.sql")
	assert.Empty(t, db.statements)
}
