package timeline

import (
	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/pkg/protocol"
)


// FetchOptions selects a timeline window.
type FetchOptions struct {
	Direction  string // tail | before | after
	Cursor     protocol.Cursor
	Limit      int
	Projection string // canonical | projected
}

// FetchResult is one timeline window plus cursor-health flags.
type FetchResult struct {
	Entries     []protocol.Entry
	StartCursor protocol.Cursor
	EndCursor   protocol.Cursor
	HasOlder    bool
	HasNewer    bool
	Epoch       uint64
	Reset       bool
	StaleCursor bool
	Gap         bool
}

// Fetch reads a window of the agent's timeline.
//
// Limit <= 0 means unbounded ("snapshot to tail from current position").
// Cursor rules: a cursor from a previous epoch sets Reset and StaleCursor
// and the result falls back to the tail. A current-epoch cursor below the
// retained head sets Gap and the result starts at the retained head.
func (e *Engine) Fetch(agentID string, opts FetchOptions) (*FetchResult, error) {
	al, err := e.get(agentID)
	if err != nil {
		return nil, err
	}

	al.mu.RLock()
	defer al.mu.RUnlock()

	if al.corrupt {
		return nil, al.corruptErr
	}

	limit := opts.Limit
	all := al.canonical()
	res := &FetchResult{Epoch: al.epoch}

	staleTail := func() {
		res.Reset = true
		res.StaleCursor = true
		start := 0
		if limit > 0 && len(all) > limit {
			start = len(all) - limit
		}
		res.Entries = all[start:]
		res.HasOlder = start > 0
	}

	switch opts.Direction {
	case protocol.FetchTail, "":
		if !opts.Cursor.IsZero() && opts.Cursor.Epoch != al.epoch {
			staleTail()
			break
		}
		idx := 0
		if !opts.Cursor.IsZero() {
			if opts.Cursor.Seq+1 < al.prunedBelow {
				res.Gap = true
			}
			idx = indexAfter(all, opts.Cursor)
		}
		if limit > 0 && len(all)-idx > limit {
			idx = len(all) - limit
		}
		res.Entries = all[idx:]
		res.HasOlder = idx > 0

	case protocol.FetchBefore:
		if opts.Cursor.IsZero() {
			return nil, errs.New(errs.CodeBadRequest, "before fetch requires a cursor")
		}
		if opts.Cursor.Epoch != al.epoch {
			staleTail()
			break
		}
		idx := indexBefore(all, opts.Cursor)
		start := 0
		if limit > 0 && idx > limit {
			start = idx - limit
		}
		res.Entries = all[start:idx]
		res.HasOlder = start > 0
		res.HasNewer = idx < len(all)

	case protocol.FetchAfter:
		if opts.Cursor.IsZero() {
			return nil, errs.New(errs.CodeBadRequest, "after fetch requires a cursor")
		}
		if opts.Cursor.Epoch != al.epoch {
			staleTail()
			break
		}
		if opts.Cursor.Seq+1 < al.prunedBelow {
			// The requested range was pruned from memory; resume from the
			// retained head and flag the discontinuity.
			res.Gap = true
		}
		idx := indexAfter(all, opts.Cursor)
		end := len(all)
		if limit > 0 && end-idx > limit {
			end = idx + limit
		}
		res.Entries = all[idx:end]
		res.HasOlder = idx > 0
		res.HasNewer = end < len(all)

	default:
		return nil, errs.Newf(errs.CodeBadRequest, "unknown fetch direction %q", opts.Direction)
	}

	// Windows are views into shared slices; copy before releasing the lock.
	res.Entries = append([]protocol.Entry(nil), res.Entries...)

	if opts.Projection == protocol.ProjectionProjected {
		res.Entries = Project(res.Entries)
	}

	if len(res.Entries) > 0 {
		res.StartCursor = res.Entries[0].Cursor()
		res.EndCursor = res.Entries[len(res.Entries)-1].Cursor()
	}
	return res, nil
}

// indexBefore returns the index of the first entry at or past cursor, so
// all[:idx] is strictly older than cursor.
func indexBefore(all []protocol.Entry, c protocol.Cursor) int {
	for i := range all {
		if !all[i].Cursor().Less(c) {
			return i
		}
	}
	return len(all)
}

// indexAfter returns the index of the first entry strictly past cursor.
func indexAfter(all []protocol.Entry, c protocol.Cursor) int {
	for i := range all {
		if c.Less(all[i].Cursor()) {
			return i
		}
	}
	return len(all)
}
