package listener

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/laurentperez/jaybird/row"
)

// Event is something a channel can deliver to a listener of type L.
type Event[L any] interface {
	Deliver(ctx context.Context, l L) error
}

// Channel fans events out to its subscribers. Publishing works on a snapshot
// of the subscriber list, so a subscriber may subscribe, unsubscribe or
// publish again (on this or another channel) while it is being notified.
// The channel does not deduplicate events or detect publish cycles.
type Channel[L any, E Event[L]] struct {
	subs []*subscription[L]
}

type subscription[L any] struct {
	listener L
	active   bool
}

// Registration is the handle of one subscription.
type Registration struct {
	cancel func()
}

// Close removes the subscription. Closing more than once has no effect.
func (r *Registration) Close() {
	if r == nil || r.cancel == nil {
		return
	}
	cancel := r.cancel
	r.cancel = nil
	cancel()
}

// Subscribe appends l to the subscriber list.
func (c *Channel[L, E]) Subscribe(l L) *Registration {
	s := &subscription[L]{listener: l, active: true}
	c.subs = append(c.subs, s)
	return &Registration{cancel: func() { c.remove(s) }}
}

func (c *Channel[L, E]) remove(s *subscription[L]) {
	s.active = false
	kept := make([]*subscription[L], 0, len(c.subs))
	for _, sub := range c.subs {
		if sub != s {
			kept = append(kept, sub)
		}
	}
	c.subs = kept
}

// Len returns the number of active subscribers.
func (c *Channel[L, E]) Len() int {
	return len(c.subs)
}

// Publish delivers e to every current subscriber. All subscribers are
// notified even when some fail; their errors are combined.
func (c *Channel[L, E]) Publish(ctx context.Context, e E) error {
	snapshot := c.subs
	var err error
	for _, s := range snapshot {
		if !s.active {
			continue
		}
		if dErr := e.Deliver(ctx, s.listener); dErr != nil {
			err = errors.CombineErrors(err, dErr)
		}
	}
	return err
}

// FetcherEventKind enumerates fetcher events.
type FetcherEventKind int

const (
	FetcherClosed FetcherEventKind = iota
	FetcherAllRowsFetched
	FetcherRowChanged
)

func (k FetcherEventKind) String() string {
	switch k {
	case FetcherClosed:
		return "fetcher closed"
	case FetcherAllRowsFetched:
		return "fetcher all rows fetched"
	case FetcherRowChanged:
		return "fetcher row changed"
	}
	return "unknown fetcher event"
}

// FetcherEvent is published on a FetcherChannel. Row is set for
// FetcherRowChanged only.
type FetcherEvent struct {
	Kind    FetcherEventKind
	Fetcher Source
	Row     *row.Row
}

// Deliver implements Event.
func (e FetcherEvent) Deliver(ctx context.Context, l FetcherListener) error {
	switch e.Kind {
	case FetcherClosed:
		return l.FetcherClosed(ctx, e.Fetcher)
	case FetcherAllRowsFetched:
		return l.FetcherAllRowsFetched(ctx, e.Fetcher)
	case FetcherRowChanged:
		return l.FetcherRowChanged(ctx, e.Fetcher, e.Row)
	}
	return errors.AssertionFailedf("unknown fetcher event kind %d", e.Kind)
}

// ResultSetEventKind enumerates result set events.
type ResultSetEventKind int

const (
	ResultSetClosed ResultSetEventKind = iota
	ResultSetAllRowsFetched
	RowUpdateStarted
	RowUpdateCompleted
)

func (k ResultSetEventKind) String() string {
	switch k {
	case ResultSetClosed:
		return "result set closed"
	case ResultSetAllRowsFetched:
		return "result set all rows fetched"
	case RowUpdateStarted:
		return "row update started"
	case RowUpdateCompleted:
		return "row update completed"
	}
	return "unknown result set event"
}

// ResultSetEvent is published on a ResultSetChannel. Source is the result
// set for the first two kinds and the row updater for the others; Success is
// meaningful for RowUpdateCompleted only.
type ResultSetEvent struct {
	Kind    ResultSetEventKind
	Source  Source
	Success bool
}

// Deliver implements Event.
func (e ResultSetEvent) Deliver(ctx context.Context, l ResultSetListener) error {
	switch e.Kind {
	case ResultSetClosed:
		return l.ResultSetClosed(ctx, e.Source)
	case ResultSetAllRowsFetched:
		return l.ResultSetAllRowsFetched(ctx, e.Source)
	case RowUpdateStarted:
		return l.RowUpdateStarted(ctx, e.Source)
	case RowUpdateCompleted:
		return l.RowUpdateCompleted(ctx, e.Source, e.Success)
	}
	return errors.AssertionFailedf("unknown result set event kind %d", e.Kind)
}

// StatementEventKind enumerates statement events.
type StatementEventKind int

const (
	StatementExecutionStarted StatementEventKind = iota
	StatementClosed
	StatementCompleted
)

func (k StatementEventKind) String() string {
	switch k {
	case StatementExecutionStarted:
		return "statement execution started"
	case StatementClosed:
		return "statement closed"
	case StatementCompleted:
		return "statement completed"
	}
	return "unknown statement event"
}

// StatementEvent is published on a StatementChannel.
type StatementEvent struct {
	Kind      StatementEventKind
	Statement Source
	Success   bool
}

// Deliver implements Event.
func (e StatementEvent) Deliver(ctx context.Context, l StatementListener) error {
	switch e.Kind {
	case StatementExecutionStarted:
		return l.StatementExecutionStarted(ctx, e.Statement)
	case StatementClosed:
		return l.StatementClosed(ctx, e.Statement)
	case StatementCompleted:
		return l.StatementCompleted(ctx, e.Statement, e.Success)
	}
	return errors.AssertionFailedf("unknown statement event kind %d", e.Kind)
}

// BlobEventKind enumerates blob events.
type BlobEventKind int

const (
	BlobExecutionStarted BlobEventKind = iota
	BlobExecutionCompleted
)

func (k BlobEventKind) String() string {
	switch k {
	case BlobExecutionStarted:
		return "blob execution started"
	case BlobExecutionCompleted:
		return "blob execution completed"
	}
	return "unknown blob event"
}

// BlobEvent is published on a BlobChannel.
type BlobEvent struct {
	Kind BlobEventKind
	Blob Source
}

// Deliver implements Event.
func (e BlobEvent) Deliver(ctx context.Context, l BlobListener) error {
	switch e.Kind {
	case BlobExecutionStarted:
		return l.BlobExecutionStarted(ctx, e.Blob)
	case BlobExecutionCompleted:
		return l.BlobExecutionCompleted(ctx, e.Blob)
	}
	return errors.AssertionFailedf("unknown blob event kind %d", e.Kind)
}

// Channels for the four source kinds.
type (
	FetcherChannel   = Channel[FetcherListener, FetcherEvent]
	ResultSetChannel = Channel[ResultSetListener, ResultSetEvent]
	StatementChannel = Channel[StatementListener, StatementEvent]
	BlobChannel      = Channel[BlobListener, BlobEvent]
)
