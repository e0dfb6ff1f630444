// registry.go: installed-extension registry contract and change notification
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginrt

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Record is the persisted description of an installed extension. There is
// exactly one record per Name.
type Record struct {
	Name           string           `json:"name"`
	Description    string           `json:"description"`
	ManifestRaw    string           `json:"manifest_raw"`
	ArchivePath    string           `json:"archive_path"`
	MainEntryPoint string           `json:"main_entry_point"`
	Version        string           `json:"version"`
	Tools          []ToolDescriptor `json:"tools"`
	ContentHash    string           `json:"content_hash"`
	InstalledAt    time.Time        `json:"installed_at"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	r.Tools = cloneTools(r.Tools)
	return r
}

// declaresTool reports whether the record lists tool (case-insensitive).
func (r Record) declaresTool(tool string) bool {
	for _, t := range r.Tools {
		if strings.EqualFold(t.ToolName, tool) {
			return true
		}
	}
	return false
}

// Registry stores installed-extension records keyed by unique name.
//
// Upsert replaces any record with the same name. List and ObserveAll return
// records ordered by name. Every committed change is published to observers
// in commit order.
type Registry interface {
	Upsert(ctx context.Context, rec Record) error
	GetByName(ctx context.Context, name string) (*Record, error)
	GetByToolName(ctx context.Context, tool string) ([]Record, error)
	DeleteByName(ctx context.Context, name string) error
	DeleteAll(ctx context.Context) error
	List(ctx context.Context) ([]Record, error)

	// ObserveAll returns a stream of full snapshots. The current snapshot is
	// delivered first. The channel is closed when ctx is done or the registry
	// is closed. A slow observer only ever skips intermediate snapshots, never
	// sees them out of order.
	ObserveAll(ctx context.Context) (<-chan []Record, error)

	Close() error
}

// snapshotBroadcaster fans registry snapshots out to observers. Each observer
// has a one-slot mailbox holding the newest undelivered snapshot.
type snapshotBroadcaster struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]*snapshotSub
	closed   bool
	logger   Logger
	snapshot []Record
}

type snapshotSub struct {
	mailbox chan []Record
	out     chan []Record
	done    chan struct{}
}

func newSnapshotBroadcaster(logger Logger) *snapshotBroadcaster {
	return &snapshotBroadcaster{
		subs:   make(map[int]*snapshotSub),
		logger: logger,
	}
}

// publish must be called with the committed snapshot, in commit order.
func (b *snapshotBroadcaster) publish(snapshot []Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.snapshot = snapshot
	for _, s := range b.subs {
		offerLatest(s.mailbox, cloneRecords(snapshot))
	}
}

// offerLatest replaces any pending snapshot with v.
func offerLatest(mailbox chan []Record, v []Record) {
	for {
		select {
		case mailbox <- v:
			return
		default:
		}
		select {
		case <-mailbox:
		default:
		}
	}
}

func (b *snapshotBroadcaster) subscribe(ctx context.Context, initial []Record) (<-chan []Record, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, NewStorageFailureError("observe registry", errRegistryClosed)
	}
	id := b.nextID
	b.nextID++
	sub := &snapshotSub{
		mailbox: make(chan []Record, 1),
		out:     make(chan []Record),
		done:    make(chan struct{}),
	}
	if b.snapshot != nil {
		initial = b.snapshot
	}
	sub.mailbox <- cloneRecords(initial)
	b.subs[id] = sub
	b.mu.Unlock()

	SafeGo(b.logger, func() {
		defer close(sub.out)
		defer b.unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case snap := <-sub.mailbox:
				select {
				case sub.out <- snap:
				case <-ctx.Done():
					return
				case <-sub.done:
					return
				}
			}
		}
	})
	return sub.out, nil
}

func (b *snapshotBroadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

func (b *snapshotBroadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.done)
	}
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
}
