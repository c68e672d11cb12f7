// Package listener implements the lifecycle event bus.
//
// There is one channel per event source kind: fetchers, result sets,
// statements and blobs. Every channel has a closed set of event kinds and
// delivers events synchronously to its subscribers, in subscription order.
// Subscribers never own the source; they receive it as a Source identifying
// the resource for context only. Listener methods receive the context of the
// operation that triggered the event.
package listener

import (
	"context"

	"github.com/google/uuid"

	"github.com/laurentperez/jaybird/row"
)

// Source identifies the resource that emitted an event.
type Source interface {
	ResourceID() uuid.UUID
}

// FetcherListener receives events published by fetchers.
type FetcherListener interface {
	// FetcherClosed is called once when the fetcher is closed.
	FetcherClosed(ctx context.Context, fetcher Source) error
	// FetcherAllRowsFetched is called once when the cursor is exhausted.
	FetcherAllRowsFetched(ctx context.Context, fetcher Source) error
	// FetcherRowChanged is called every time the fetcher positions on a new row.
	FetcherRowChanged(ctx context.Context, fetcher Source, newRow *row.Row) error
}

// ResultSetListener receives events published by result sets and their row
// updaters.
type ResultSetListener interface {
	ResultSetClosed(ctx context.Context, rs Source) error
	// ResultSetAllRowsFetched is used in auto-commit mode to tell the
	// statement that it is completed.
	ResultSetAllRowsFetched(ctx context.Context, rs Source) error
	RowUpdateStarted(ctx context.Context, updater Source) error
	RowUpdateCompleted(ctx context.Context, updater Source, success bool) error
}

// StatementListener receives events published by statements.
type StatementListener interface {
	StatementExecutionStarted(ctx context.Context, stmt Source) error
	StatementClosed(ctx context.Context, stmt Source) error
	// StatementCompleted tells whether the execution was successful.
	StatementCompleted(ctx context.Context, stmt Source, success bool) error
}

// BlobListener receives the bracketing events of remote large-object operations.
type BlobListener interface {
	BlobExecutionStarted(ctx context.Context, blob Source) error
	BlobExecutionCompleted(ctx context.Context, blob Source) error
}

type noAction struct{}

func (noAction) FetcherClosed(context.Context, Source) error { return nil }
func (noAction) FetcherAllRowsFetched(context.Context, Source) error { return nil }
func (noAction) FetcherRowChanged(context.Context, Source, *row.Row) error { return nil }
func (noAction) ResultSetClosed(context.Context, Source) error { return nil }
func (noAction) ResultSetAllRowsFetched(context.Context, Source) error { return nil }
func (noAction) RowUpdateStarted(context.Context, Source) error { return nil }
func (noAction) RowUpdateCompleted(context.Context, Source, bool) error { return nil }
func (noAction) StatementExecutionStarted(context.Context, Source) error { return nil }
func (noAction) StatementClosed(context.Context, Source) error { return nil }
func (noAction) StatementCompleted(context.Context, Source, bool) error { return nil }
func (noAction) BlobExecutionStarted(context.Context, Source) error { return nil }
func (noAction) BlobExecutionCompleted(context.Context, Source) error { return nil }

// Listeners that ignore every event.
var (
	NoActionFetcher   FetcherListener   = noAction{}
	NoActionResultSet ResultSetListener = noAction{}
	NoActionStatement StatementListener = noAction{}
	NoActionBlob      BlobListener      = noAction{}
)
