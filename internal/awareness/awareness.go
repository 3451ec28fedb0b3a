package awareness

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaydoc/internal/crdt"
)

// DefaultTimeout is how long a peer's state survives without a refresh.
const DefaultTimeout = 30 * time.Second

var (
	ErrInvalidState  = errors.New("invalid presence state")
	ErrInvalidUpdate = errors.New("invalid presence update")
)

const presenceSchemaURL = "relaydoc://schemas/presence.json"

const presenceSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 128},
    "color": {"type": "string", "pattern": "^#[0-9a-fA-F]{6}$"},
    "cursor": {
      "type": "object",
      "properties": {
        "anchor": {"type": "integer", "minimum": 0},
        "head": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

// Change lists the client IDs touched by one local or remote update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

func (c Change) All() []string {
	out := make([]string, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	out = append(out, c.Removed...)
	return out
}

type Options struct {
	ClientID string
	Now      func() time.Time
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Awareness tracks ephemeral per-client presence. Each client owns one state
// and a clock; higher clocks win and a nil state marks the client as gone.
type Awareness struct {
	clientID string
	now      func() time.Time
	schema   *jsonschema.Schema

	mu     sync.Mutex
	states map[string]map[string]any
	meta   map[string]meta

	subsMu  sync.RWMutex
	subs    map[uint64]func(Change, crdt.Origin)
	nextSub uint64
}

func New(opts Options) (*Awareness, error) {
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schema, err := compilePresenceSchema()
	if err != nil {
		return nil, err
	}
	return &Awareness{
		clientID: clientID,
		now:      now,
		schema:   schema,
		states:   map[string]map[string]any{},
		meta:     map[string]meta{},
		subs:     map[uint64]func(Change, crdt.Origin){},
	}, nil
}

func compilePresenceSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(presenceSchema))
	if err != nil {
		return nil, fmt.Errorf("parse presence schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(presenceSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add presence schema: %w", err)
	}
	schema, err := compiler.Compile(presenceSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile presence schema: %w", err)
	}
	return schema, nil
}

func (a *Awareness) ClientID() string {
	return a.clientID
}

// SetLocalState replaces this client's state. A nil state announces departure.
func (a *Awareness) SetLocalState(state map[string]any) error {
	var normalized map[string]any
	if state != nil {
		var err error
		normalized, err = a.validate(state)
		if err != nil {
			return err
		}
	}

	a.mu.Lock()
	_, existed := a.states[a.clientID]
	m := a.meta[a.clientID]
	m.clock++
	m.lastUpdated = a.now()
	a.meta[a.clientID] = m
	var change Change
	switch {
	case normalized == nil && existed:
		delete(a.states, a.clientID)
		change.Removed = []string{a.clientID}
	case normalized == nil:
	case !existed:
		a.states[a.clientID] = normalized
		change.Added = []string{a.clientID}
	default:
		a.states[a.clientID] = normalized
		change.Updated = []string{a.clientID}
	}
	a.mu.Unlock()

	a.emit(change, crdt.Origin{})
	return nil
}

// SetLocalField merges one field into the local state.
func (a *Awareness) SetLocalField(key string, value any) error {
	current := a.LocalState()
	if current == nil {
		current = map[string]any{}
	}
	current[key] = value
	return a.SetLocalState(current)
}

func (a *Awareness) LocalState() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneState(a.states[a.clientID])
}

// States returns a copy of every live state keyed by client ID.
func (a *Awareness) States() map[string]map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]map[string]any, len(a.states))
	for id, state := range a.states {
		out[id] = cloneState(state)
	}
	return out
}

// OnUpdate registers fn for every change, local or applied.
func (a *Awareness) OnUpdate(fn func(Change, crdt.Origin)) func() {
	if fn == nil {
		return func() {}
	}
	a.subsMu.Lock()
	a.nextSub++
	id := a.nextSub
	a.subs[id] = fn
	a.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.subsMu.Lock()
			delete(a.subs, id)
			a.subsMu.Unlock()
		})
	}
}

// RemoveStates drops the given clients. Removing the local client is the same
// as SetLocalState(nil) but tagged with origin.
func (a *Awareness) RemoveStates(clientIDs []string, origin crdt.Origin) {
	a.mu.Lock()
	var change Change
	for _, id := range clientIDs {
		if _, ok := a.states[id]; !ok {
			continue
		}
		delete(a.states, id)
		if id == a.clientID {
			m := a.meta[id]
			m.clock++
			m.lastUpdated = a.now()
			a.meta[id] = m
		}
		change.Removed = append(change.Removed, id)
	}
	a.mu.Unlock()
	a.emit(change, origin)
}

// RemoveStale drops remote states older than timeout and renews the local
// state's clock once it is half that old so peers keep it alive.
func (a *Awareness) RemoveStale(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := a.now()

	a.mu.Lock()
	var stale []string
	renew := false
	for id, m := range a.meta {
		if id == a.clientID {
			if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= timeout/2 {
				renew = true
			}
			continue
		}
		if _, ok := a.states[id]; ok && now.Sub(m.lastUpdated) >= timeout {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	var renewed Change
	if renew {
		m := a.meta[a.clientID]
		m.clock++
		m.lastUpdated = now
		a.meta[a.clientID] = m
		renewed.Updated = []string{a.clientID}
	}
	a.mu.Unlock()

	a.emit(renewed, crdt.Origin{})
	if len(stale) > 0 {
		a.RemoveStates(stale, crdt.Origin{})
	}
}

func (a *Awareness) validate(state map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := a.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	return normalized, nil
}

func (a *Awareness) emit(change Change, origin crdt.Origin) {
	if change.empty() {
		return
	}
	a.subsMu.RLock()
	ids := make([]uint64, 0, len(a.subs))
	for id := range a.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(Change, crdt.Origin), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, a.subs[id])
	}
	a.subsMu.RUnlock()
	for _, fn := range fns {
		fn(change, origin)
	}
}

func cloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
