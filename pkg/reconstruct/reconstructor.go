package reconstruct

import (
	"sort"

	etlerrors "github.com/xdmod/xdmod-etl/pkg/errors"
)

// Interval is a maximal span during which a key held one attribute tuple.
// Start and End are inclusive unix seconds.
type Interval struct {
	Key        []any
	Attributes []any
	InstanceID any
	Start      int64
	End        int64
}

// open is the per-key FSM state.
type open struct {
	key        []any
	attrs      []any
	instanceID any
	start      int64
	lastSeen   int64
	// held is the interval this one replaced. It is emitted once the open
	// interval advances past its start, so a same-instant revert can reopen it.
	held *Interval
}

// release returns the held interval once the open interval has advanced.
func (o *open) release(ts int64) []Interval {
	if o.held == nil || ts <= o.start {
		return nil
	}
	iv := *o.held
	o.held = nil
	return []Interval{iv}
}

// drain closes the interval at its last known time, after any held one.
func (o *open) drain() []Interval {
	var out []Interval
	if o.held != nil {
		out = append(out, *o.held)
		o.held = nil
	}
	return append(out, o.close(o.lastSeen))
}

func (o *open) close(end int64) Interval {
	return Interval{
		Key:        o.key,
		Attributes: o.attrs,
		InstanceID: o.instanceID,
		Start:      o.start,
		End:        end,
	}
}

// Reconstructor is the streaming interval FSM. It is not safe for concurrent
// use; run one per layout.
type Reconstructor struct {
	layout Layout
	tick   int64
	state  map[string]*open
}

// New creates a reconstructor for layout.
func New(layout Layout) (*Reconstructor, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	return &Reconstructor{
		layout: layout,
		tick:   layout.tick(),
		state:  make(map[string]*open),
	}, nil
}

// Layout returns the layout in use.
func (r *Reconstructor) Layout() Layout { return r.layout }

// Open returns the number of keys with an open interval.
func (r *Reconstructor) Open() int { return len(r.state) }

// Transform feeds one snapshot and returns the intervals it finalizes. A
// closed interval is returned once its successor has advanced past its start.
func (r *Reconstructor) Transform(row Row) ([]Interval, error) {
	attrs := make([]any, len(r.layout.AttributeFields))
	sentinel := true
	for i, f := range r.layout.AttributeFields {
		attrs[i] = row[f]
		if truthy(attrs[i]) {
			sentinel = false
		}
	}

	key := make([]any, len(r.layout.KeyFields))
	present := 0
	var missing string
	for i, f := range r.layout.KeyFields {
		v, ok := row[f]
		if ok && v != nil && truthy(v) {
			present++
		} else if missing == "" {
			missing = f
		}
		key[i] = v
	}

	if sentinel {
		switch present {
		case 0:
			return r.Flush(), nil
		case len(key):
			return r.flushKey(tupleKey(key)), nil
		default:
			return nil, etlerrors.MissingField(missing).WithContext("layout", r.layout.Name)
		}
	}

	if present != len(key) {
		return nil, etlerrors.MissingField(missing).WithContext("layout", r.layout.Name)
	}

	raw, ok := row[r.layout.TimeField]
	if !ok || raw == nil {
		return nil, etlerrors.MissingField(r.layout.TimeField).WithContext("layout", r.layout.Name)
	}
	ts, err := toUnix(raw)
	if err != nil {
		return nil, etlerrors.Wrap(err, etlerrors.CodeMalformedRecord, "unparsable snapshot time").
			WithContext("layout", r.layout.Name).
			WithContext("field", r.layout.TimeField)
	}

	var instanceID any
	if r.layout.InstanceField != "" {
		instanceID = row[r.layout.InstanceField]
	}

	k := tupleKey(key)
	cur, exists := r.state[k]
	if !exists {
		r.state[k] = &open{key: key, attrs: attrs, instanceID: instanceID, start: ts, lastSeen: ts}
		return nil, nil
	}

	if ts < cur.lastSeen {
		return nil, etlerrors.New(etlerrors.CodeOutOfOrder, "snapshot older than last seen for key").
			WithContext("layout", r.layout.Name).
			WithContext("key", k).
			WithContext("time", ts).
			WithContext("last_seen", cur.lastSeen)
	}

	if equalTuples(cur.attrs, attrs) {
		// Same configuration: the open interval absorbs the snapshot and keeps
		// its first instance id.
		cur.lastSeen = ts
		return cur.release(ts), nil
	}

	if ts == cur.start {
		// Two configurations at the same instant: the later row wins and no
		// zero-width interval is emitted. Reverting to the previous tuple
		// reopens the previous interval.
		if cur.held != nil && equalTuples(cur.held.Attributes, attrs) {
			h := cur.held
			r.state[k] = &open{key: key, attrs: h.Attributes, instanceID: h.InstanceID, start: h.Start, lastSeen: ts}
			return nil, nil
		}
		cur.attrs = attrs
		cur.instanceID = instanceID
		return nil, nil
	}

	out := cur.release(ts)
	closed := cur.close(ts - r.tick)
	r.state[k] = &open{key: key, attrs: attrs, instanceID: instanceID, start: ts, lastSeen: ts, held: &closed}
	return out, nil
}

func (r *Reconstructor) flushKey(k string) []Interval {
	cur, ok := r.state[k]
	if !ok {
		return nil
	}
	delete(r.state, k)
	return cur.drain()
}

// Flush closes every open interval at its last known time and returns them
// ordered by key.
func (r *Reconstructor) Flush() []Interval {
	if len(r.state) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.state))
	for k := range r.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Interval, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.state[k].drain()...)
	}
	r.state = make(map[string]*open)
	return out
}
