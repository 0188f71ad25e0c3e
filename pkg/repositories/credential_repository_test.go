package repositories

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

var credentialColumns = []string{"tenant_id", "integration_name", "environment", "fields", "encrypted", "created_at", "updated_at"}

type upperDecrypter struct {
	err error
}

func (d upperDecrypter) Decrypt(_ context.Context, _, _ string, fields map[string]string) (map[string]string, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = strings.ToUpper(v)
	}
	return out, nil
}

func TestCredentialRepository_GetCredentials(t *testing.T) {
	tests := []struct {
		name      string
		decrypter Decrypter
		rows      func() *sqlmock.Rows
		queryErr  error
		wantFound bool
		wantCode  int
		want      map[string]string
	}{
		{
			name: "plain credentials",
			rows: func() *sqlmock.Rows {
				return sqlmock.NewRows(credentialColumns).
					AddRow("t1", "ebay", "production", []byte(`{"client_id":"abc","client_secret":"xyz"}`), false, nil, nil)
			},
			wantFound: true,
			want:      map[string]string{"client_id": "abc", "client_secret": "xyz"},
		},
		{
			name:      "never stored",
			rows:      func() *sqlmock.Rows { return sqlmock.NewRows(credentialColumns) },
			wantFound: false,
		},
		{
			name:      "encrypted credentials are decrypted",
			decrypter: upperDecrypter{},
			rows: func() *sqlmock.Rows {
				return sqlmock.NewRows(credentialColumns).
					AddRow("t1", "ebay", "production", []byte(`{"client_id":"abc"}`), true, nil, nil)
			},
			wantFound: true,
			want:      map[string]string{"client_id": "ABC"},
		},
		{
			name:      "decryption failure",
			decrypter: upperDecrypter{err: errors.New("bad key")},
			rows: func() *sqlmock.Rows {
				return sqlmock.NewRows(credentialColumns).
					AddRow("t1", "ebay", "production", []byte(`{"client_id":"abc"}`), true, nil, nil)
			},
			wantFound: true,
			wantCode:  http.StatusUnprocessableEntity,
		},
		{
			name:     "database failure",
			queryErr: errors.New("connection refused"),
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewCredentialRepository(db, tt.decrypter, getTestLogger())

			expect := mock.ExpectQuery(`SELECT .* FROM integration_credentials WHERE`)
			if tt.queryErr != nil {
				expect.WillReturnError(tt.queryErr)
			} else {
				expect.WillReturnRows(tt.rows())
			}

			fields, found, err := repo.GetCredentials(context.Background(), "t1", "ebay", models.EnvironmentProduction)

			if tt.wantCode != 0 {
				assertStatusCode(t, err, tt.wantCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFound, found)
			assert.Equal(t, tt.want, fields)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
