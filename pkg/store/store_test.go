package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenAppliesSchemaIdempotently(t *testing.T) {
	st := newTestStore(t)
	var count int
	require.NoError(t, st.DB().Get(&count, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='auth_state'`))
	assert.Equal(t, 1, count)
}

func TestCheckZeroRowsAffectedDetectsNoop(t *testing.T) {
	st := newTestStore(t)
	res, err := st.DB().Exec(`UPDATE auth_state SET password_hash='x' WHERE id=999`)
	require.NoError(t, err)
	assert.ErrorIs(t, CheckZeroRowsAffected(res, err), ErrNoRowsAffected)
}

func TestClassifyWriteErrMapsUniqueConstraint(t *testing.T) {
	st := newTestStore(t)
	_, err := st.DB().Exec(`INSERT INTO apn_templates (id, name, apn, protocol, auth_type) VALUES (1, 'a', 'internet', 'ip', 'chap')`)
	require.NoError(t, err)

	_, err = st.DB().Exec(`INSERT INTO apn_templates (id, name, apn, protocol, auth_type) VALUES (1, 'b', 'internet2', 'ip', 'chap')`)
	require.Error(t, err)
	assert.ErrorIs(t, ClassifyWriteErr(err), ErrUniqueConstraintViolation)
}

func TestFactoryResetTruncatesNamedTables(t *testing.T) {
	st := newTestStore(t)
	_, err := st.DB().Exec(`INSERT INTO apn_templates (name, apn, protocol, auth_type) VALUES ('a', 'internet', 'ip', 'chap')`)
	require.NoError(t, err)

	require.NoError(t, st.FactoryReset([]string{"apn_templates"}))

	var count int
	require.NoError(t, st.DB().Get(&count, `SELECT COUNT(*) FROM apn_templates`))
	assert.Zero(t, count)
}
