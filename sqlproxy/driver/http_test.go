package driver

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPHost(t *testing.T) {
	env := setupEnv(t)
	srv := httptest.NewServer(env.host)
	defer srv.Close()

	db := sql.OpenDB(NewConnector(DefaultConfig(), HTTPHost(srv.URL, srv.Client())))
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err := db.Exec("CREATE TABLE docs (id INTEGER PRIMARY KEY, data LOB)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO docs (data) VALUES (?)", LargeBinary([]byte("over http")))
	require.NoError(t, err)

	var data []byte
	require.NoError(t, db.QueryRow("SELECT data FROM docs").Scan(&data))
	assert.Equal(t, "over http", string(data))
}

func TestHTTPHostRejectsGet(t *testing.T) {
	env := setupEnv(t)
	srv := httptest.NewServer(env.host)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPHostReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	db := sql.OpenDB(NewConnector(DefaultConfig(), HTTPHost(srv.URL, nil)))
	defer db.Close()
	err := db.Ping()
	require.NoError(t, err)
	_, err = db.Exec("SELECT 1")
	assert.ErrorContains(t, err, "down for maintenance")
}
