package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/relaydoc/internal/crdt"
)

type wireUpdate struct {
	States []wireState `json:"states"`
}

type wireState struct {
	ClientID string         `json:"clientId"`
	Clock    uint64         `json:"clock"`
	State    map[string]any `json:"state"`
}

// EncodeUpdate serializes the given clients' current clock and state. Clients
// that left are encoded with a null state so peers drop them. With no IDs,
// every known client is encoded.
func (a *Awareness) EncodeUpdate(clientIDs ...string) ([]byte, error) {
	a.mu.Lock()
	if len(clientIDs) == 0 {
		for id := range a.meta {
			clientIDs = append(clientIDs, id)
		}
		sort.Strings(clientIDs)
	}
	update := wireUpdate{States: make([]wireState, 0, len(clientIDs))}
	for _, id := range clientIDs {
		m, ok := a.meta[id]
		if !ok {
			continue
		}
		update.States = append(update.States, wireState{
			ClientID: id,
			Clock:    m.clock,
			State:    cloneState(a.states[id]),
		})
	}
	a.mu.Unlock()
	return json.Marshal(update)
}

// ApplyUpdate merges a peer's encoded update. Entries with a clock not newer
// than what is known are ignored, except a null state at the same clock which
// still removes the client. A peer claiming this client left is answered by
// bumping the local clock so the local state wins again.
func (a *Awareness) ApplyUpdate(data []byte, origin crdt.Origin) error {
	var update wireUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	now := a.now()

	a.mu.Lock()
	var change Change
	for _, entry := range update.States {
		id := strings.TrimSpace(entry.ClientID)
		if id == "" {
			continue
		}
		known, seen := a.meta[id]
		_, live := a.states[id]
		newer := !seen || known.clock < entry.Clock
		removal := entry.State == nil
		if !newer && !(removal && live && known.clock == entry.Clock) {
			continue
		}
		if id == a.clientID {
			if removal && live {
				// Somebody announced our departure; outvote it.
				a.meta[id] = meta{clock: entry.Clock + 1, lastUpdated: now}
				change.Updated = append(change.Updated, id)
			}
			continue
		}
		a.meta[id] = meta{clock: entry.Clock, lastUpdated: now}
		switch {
		case removal && live:
			delete(a.states, id)
			change.Removed = append(change.Removed, id)
		case removal:
		case live:
			a.states[id] = entry.State
			change.Updated = append(change.Updated, id)
		default:
			a.states[id] = entry.State
			change.Added = append(change.Added, id)
		}
	}
	a.mu.Unlock()

	a.emit(change, origin)
	return nil
}
