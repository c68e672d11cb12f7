// Command lobhost serves the proxy protocol for an SQLite database over HTTP.
package main

import (
	"flag"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/laurentperez/jaybird/jlog"
	"github.com/laurentperez/jaybird/sqlproxy/host"
)

func main() {
	dbPath := flag.String("db", "", "Path to the SQLite database file")
	port := flag.Int("port", 8080, "Port for the HTTP server")
	secretPath := flag.String("secret", "", "Path to the transaction token key, created when missing")
	flag.Parse()

	jlog.Init(logrus.InfoLevel)
	log := jlog.Logger()

	if *dbPath == "" {
		log.Fatal("Database path must be provided via -db flag")
	}

	db, err := sqlx.Connect("sqlite3", *dbPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	var opts []host.Option
	if *secretPath != "" {
		key, err := host.LoadSecretKey(*secretPath)
		if err != nil {
			log.WithError(err).Fatal("Failed to load token key")
		}
		opts = append(opts, host.WithSecretKey(key))
	}
	h, err := host.NewSQLHost(db, opts...)
	if err != nil {
		log.WithError(err).Fatal("Failed to create host")
	}

	mux := http.NewServeMux()
	mux.Handle("/sql", h)

	listenAddr := fmt.Sprintf(":%d", *port)
	log.WithField("addr", listenAddr).WithField("db", *dbPath).Info("Starting server")
	log.Fatal(http.ListenAndServe(listenAddr, mux))
}
