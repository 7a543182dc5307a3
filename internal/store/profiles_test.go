package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profileUserID = "5a1f6c1e-4d8b-4b4e-9a51-0c2d9f3e7b11"

var permissionsQueryRE = regexp.QuoteMeta(permissionsQuery)

func TestProfileStore_Permissions(t *testing.T) {
	tests := []struct {
		name      string
		userID    string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantKeys  []string
		wantErr   error
		errMsg    string
	}{
		{
			name:   "grants present",
			userID: profileUserID,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"permissions"}).
					AddRow([]byte(`{"listing":{"permissions":["get"]},"user":{"permissions":["get","update"]}}`))
				mock.ExpectQuery(permissionsQueryRE).WithArgs(profileUserID).WillReturnRows(rows)
			},
			wantKeys: []string{"listing", "user"},
		},
		{
			name:   "no grants",
			userID: profileUserID,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"permissions"}).AddRow([]byte("null"))
				mock.ExpectQuery(permissionsQueryRE).WithArgs(profileUserID).WillReturnRows(rows)
			},
			wantKeys: []string{},
		},
		{
			name:   "unknown user",
			userID: profileUserID,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(permissionsQueryRE).WithArgs(profileUserID).
					WillReturnRows(pgxmock.NewRows([]string{"permissions"}))
			},
			wantErr: ErrNotFound,
		},
		{
			name:   "database error",
			userID: profileUserID,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(permissionsQueryRE).WithArgs(profileUserID).
					WillReturnError(errors.New("connection refused"))
			},
			errMsg: "connection refused",
		},
		{
			name:      "malformed user id",
			userID:    "../../etc",
			setupMock: func(pgxmock.PgxPoolIface) {},
			wantErr:   ErrInvalidUserID,
		},
		{
			name:   "permissions not an object",
			userID: profileUserID,
			setupMock: func(mock pgxmock.PgxPoolIface) {
				rows := pgxmock.NewRows([]string{"permissions"}).AddRow([]byte(`["get"]`))
				mock.ExpectQuery(permissionsQueryRE).WithArgs(profileUserID).WillReturnRows(rows)
			},
			errMsg: "decode permissions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err, "failed to create mock")
			defer mock.Close()

			tt.setupMock(mock)

			got, err := NewProfileStore(mock).Permissions(context.Background(), tt.userID)

			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.errMsg != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantKeys, got.Keys())
			}

			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestBootstrap(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS _permission_audit`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Bootstrap(context.Background(), mock))

	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("permission denied"))
	err = Bootstrap(context.Background(), mock)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bootstrap system tables")

	assert.NoError(t, mock.ExpectationsWereMet())
}
