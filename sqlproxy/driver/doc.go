// Package driver implements a database/sql/driver that proxies SQL to a host
// process owning the database.
//
// Requests and responses are JSON documents defined in package types. They
// travel through a HostFunc: an in-process call to host.SQLHost, an HTTP
// round trip, or anything else able to carry a payload.
//
// Usage:
//
//  1. Import the driver package. It registers the driver as "jaybird".
//     import _ "github.com/laurentperez/jaybird/sqlproxy/driver"
//
//  2. Set the host function before opening a database:
//
//     driver.SetHostHandler(h.HandleRequest)
//
//  3. Open a database. The DSN is a query string, see ParseConfig:
//     db, err := sql.Open("jaybird", "fetch_size=100&charset=WIN1252")
//
//     Or build a connector without touching the global:
//     db := sql.OpenDB(driver.NewConnector(cfg, call))
//
// Large objects:
//
// LOB and MEMO columns hold identifiers of objects kept in the blob store of
// the host. Pass LargeBinary, LargeText or LargeStream as an argument to write
// one; scanning such a column reads the object whole. In auto-commit mode
// written objects are buffered until the statement runs, then written and
// referenced inside the statement's transaction. In a transaction they are
// streamed to the host as soon as they are bound.
//
// Result sets are forward-only and are fetched fetch_size rows at a time. In
// auto-commit mode the transaction of a query ends when its rows are
// exhausted or closed.
//
// Implemented Interfaces:
//
//   - driver.Driver, driver.DriverContext and driver.Connector
//   - driver.Conn with ConnPrepareContext, ConnBeginTx, NamedValueChecker and Validator
//   - driver.Stmt with StmtExecContext and StmtQueryContext
//   - driver.Tx
//   - driver.Result
//   - driver.Rows with RowsColumnTypeDatabaseTypeName
package driver
