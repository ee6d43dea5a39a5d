package hub

import (
	"bytes"
	"encoding/json"
)

// Item is one broadcast entry: its key within the collection, the scope that
// sees it and its JSON encoding.
type Item struct {
	Key   string
	Scope string
	Data  json.RawMessage
}

// NewItem encodes v.
func NewItem(key, scope string, v interface{}) (Item, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Item{}, err
	}
	return Item{Key: key, Scope: scope, Data: data}, nil
}

// Snapshot is a full state for some collections. Collections absent from the
// map are unchanged.
type Snapshot map[Collection][]Item

// table is the last broadcast state of a collection.
type table struct {
	order []string
	items map[string]Item
}

func newTable() *table {
	return &table{items: make(map[string]Item)}
}

// change is a key that changed or vanished, with the scope that saw it.
type change struct {
	key     string
	scope   string
	data    json.RawMessage
	removed bool
}

// replace swaps in the new items and returns what differs. Encodings are
// compared byte-wise; encoding/json output is deterministic for a value.
func (t *table) replace(items []Item) []change {
	var changes []change
	next := make(map[string]Item, len(items))
	order := make([]string, 0, len(items))

	for _, it := range items {
		if _, dup := next[it.Key]; dup {
			continue
		}
		next[it.Key] = it
		order = append(order, it.Key)
		if prev, ok := t.items[it.Key]; !ok || !bytes.Equal(prev.Data, it.Data) {
			changes = append(changes, change{key: it.Key, scope: it.Scope, data: it.Data})
		}
	}
	for _, key := range t.order {
		if _, ok := next[key]; !ok {
			changes = append(changes, change{key: key, scope: t.items[key].Scope, removed: true})
		}
	}

	t.items = next
	t.order = order
	return changes
}

// inScopes lists the items visible to scopes, in order.
func (t *table) inScopes(scopes map[string]struct{}) []Item {
	var out []Item
	for _, key := range t.order {
		it := t.items[key]
		if _, ok := scopes[it.Scope]; ok {
			out = append(out, it)
		}
	}
	return out
}
