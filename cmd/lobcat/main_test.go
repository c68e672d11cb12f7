package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laurentperez/jaybird/sqlproxy/host"
)

func startHost(t *testing.T) string {
	t.Helper()
	db := sqlx.MustConnect("sqlite3", path.Join(t.TempDir(), "lobcat.db"))
	t.Cleanup(func() { db.Close() })
	h, err := host.NewSQLHost(db)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestPutGetList(t *testing.T) {
	url := startHost(t)
	content := bytes.Repeat([]byte("lobcat "), 5000)
	file := path.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, content, 0600))

	ctx := context.Background()
	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"-host", url, "-dsn", "lob_chunk_size=1024", "put", file}, &out))
	assert.Equal(t, "1\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, []string{"-host", url, "get", "1"}, &out))
	assert.Equal(t, content, out.Bytes())

	out.Reset()
	require.NoError(t, run(ctx, []string{"-host", url, "ls"}, &out))
	assert.Equal(t, "1\t35000\tnotes.txt\n", out.String())
}

func TestErrors(t *testing.T) {
	url := startHost(t)
	ctx := context.Background()
	var out bytes.Buffer

	err := run(ctx, []string{"-host", url, "get", "9"}, &out)
	assert.ErrorContains(t, err, "file 9 not found")
	err = run(ctx, []string{"-host", url, "get", "nine"}, &out)
	assert.ErrorContains(t, err, "invalid id")
	err = run(ctx, []string{"-host", url, "rm", "1"}, &out)
	assert.ErrorContains(t, err, "unknown command")
	err = run(ctx, []string{"-host", url, "-dsn", "fetch_size=0", "ls"}, &out)
	assert.ErrorContains(t, err, "fetch_size")
	err = run(ctx, []string{"-host", url, "put", path.Join(t.TempDir(), "missing")}, &out)
	assert.True(t, strings.Contains(err.Error(), "no such file"))
}

func TestHostFromEnvironment(t *testing.T) {
	t.Setenv(HostEnv, startHost(t))
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"ls"}, &out))
	assert.Empty(t, out.String())
}
