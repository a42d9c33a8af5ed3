package protocol

import (
	"encoding/json"
	"slices"
	"strings"
)

// Filter selects events in a REQ subscription (NIP-01).
// Tags maps a single-letter tag name (without "#") to accepted values.
type Filter struct {
	IDs     []string
	Kinds   []int
	Authors []string
	Tags    map[string][]string
	Since   int64
	Until   int64
	Limit   int
}

// MarshalJSON renders tag filters as "#<name>" keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 6+len(f.Tags))
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	if f.Since > 0 {
		m["since"] = f.Since
	}
	if f.Until > 0 {
		m["until"] = f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts the wire form produced by MarshalJSON.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}

	for k, v := range raw {
		var err error
		switch {
		case k == "ids":
			err = json.Unmarshal(v, &f.IDs)
		case k == "kinds":
			err = json.Unmarshal(v, &f.Kinds)
		case k == "authors":
			err = json.Unmarshal(v, &f.Authors)
		case k == "since":
			err = json.Unmarshal(v, &f.Since)
		case k == "until":
			err = json.Unmarshal(v, &f.Until)
		case k == "limit":
			err = json.Unmarshal(v, &f.Limit)
		case strings.HasPrefix(k, "#") && len(k) > 1:
			var values []string
			if err = json.Unmarshal(v, &values); err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[k[1:]] = values
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Matches reports whether ev satisfies every populated field of the filter.
// Limit is ignored: it only bounds stored-event replay on the relay side.
func (f Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, ev.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, ev.PubKey) {
		return false
	}
	for name, want := range f.Tags {
		if !slices.ContainsFunc(ev.Tags.Values(name), func(v string) bool {
			return slices.Contains(want, v)
		}) {
			return false
		}
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && ev.CreatedAt > f.Until {
		return false
	}
	return true
}
