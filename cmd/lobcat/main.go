// Command lobcat stores files as large objects through a lobhost and reads
// them back.
//
//	lobcat [-host URL] [-dsn DSN] put FILE   prints the id of the stored file
//	lobcat [-host URL] [-dsn DSN] get ID     writes the file to stdout
//	lobcat [-host URL] [-dsn DSN] ls         lists the stored files
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/sqlproxy/driver"
)

// HostEnv names the environment variable holding the default host URL.
const HostEnv = "JAYBIRD_HOST"

const defaultHost = "http://localhost:8080/sql"

const schema = `CREATE TABLE IF NOT EXISTS lobcat_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	size INTEGER NOT NULL,
	data LOB
);`

func main() {
	jlog.Init(logrus.WarnLevel)
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "lobcat:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("lobcat", flag.ContinueOnError)
	hostURL := fs.String("host", "", "URL of the lobhost endpoint (default $"+HostEnv+" or "+defaultHost+")")
	dsn := fs.String("dsn", "", "Driver settings, for example fetch_size=50&lob_chunk_size=65536")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hostURL == "" {
		*hostURL = os.Getenv(HostEnv)
	}
	if *hostURL == "" {
		*hostURL = defaultHost
	}
	cfg, err := driver.ParseConfig(*dsn)
	if err != nil {
		return err
	}

	db := sql.OpenDB(driver.NewConnector(cfg, driver.HTTPHost(*hostURL, nil)))
	defer db.Close()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create table")
	}

	switch fs.Arg(0) {
	case "put":
		if fs.NArg() != 2 {
			return errors.New("usage: put FILE")
		}
		id, err := put(ctx, db, fs.Arg(1))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, id)
		return err
	case "get":
		if fs.NArg() != 2 {
			return errors.New("usage: get ID")
		}
		id, err := strconv.ParseInt(fs.Arg(1), 10, 64)
		if err != nil {
			return errors.Newf("invalid id %q", fs.Arg(1))
		}
		return get(ctx, db, id, stdout)
	case "ls":
		return list(ctx, db, stdout)
	}
	return errors.Newf("unknown command %q, want put, get or ls", fs.Arg(0))
}

// put streams the file inside a transaction, so its size is not bounded by
// the auto-commit buffer.
func put(ctx context.Context, db *sql.DB, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, "INSERT INTO lobcat_files (name, size, data) VALUES (?, ?, ?)",
		filepath.Base(path), info.Size(), driver.LargeStream(f, info.Size()))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to store %s", path)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func get(ctx context.Context, db *sql.DB, id int64, w io.Writer) error {
	var data []byte
	err := db.QueryRowContext(ctx, "SELECT data FROM lobcat_files WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Newf("file %d not found", id)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func list(ctx context.Context, db *sql.DB, w io.Writer) error {
	rows, err := db.QueryContext(ctx, "SELECT id, name, size FROM lobcat_files ORDER BY id")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id, size int64
		var name string
		if err := rows.Scan(&id, &name, &size); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%d\t%d\t%s\n", id, size, name); err != nil {
			return err
		}
	}
	return rows.Err()
}
