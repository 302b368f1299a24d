package field

import (
	"encoding/json"
	"fmt"

	"github.com/folddb/folddb/internal/ferrors"
)

// The wire form of a RangeFilter is a tagged JSON value:
//
//	{"Key": k} | {"KeyPrefix": p} | {"KeyRange": {"lo": .., "hi": ..}} | "All"
//
// optionally wrapped in a {"range_filter": ...} envelope inside a query
// document. ParseFilter accepts the envelope; Marshal/UnmarshalJSON handle
// the bare tagged value.

type keyRangePayload struct {
	Lo string `json:"lo"`
	Hi string `json:"hi"`
}

// MarshalJSON renders the filter in its tagged wire form.
func (f RangeFilter) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case RangeFilterKey:
		return json.Marshal(map[string]string{"Key": f.Key})
	case RangeFilterKeyPrefix:
		return json.Marshal(map[string]string{"KeyPrefix": f.Prefix})
	case RangeFilterKeyRange:
		return json.Marshal(map[string]keyRangePayload{"KeyRange": {Lo: f.Lo, Hi: f.Hi}})
	case RangeFilterAll, "":
		return json.Marshal("All")
	default:
		return nil, fmt.Errorf("%w: unknown range filter kind %q", ferrors.ErrInvalidFieldType, f.Kind)
	}
}

// UnmarshalJSON parses the tagged wire form back into a RangeFilter.
func (f *RangeFilter) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err == nil {
		if tag != "All" {
			return fmt.Errorf("%w: unknown range filter %q", ferrors.ErrInvalidFieldType, tag)
		}
		*f = RangeFilter{Kind: RangeFilterAll}
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("%w: range filter: %v", ferrors.ErrCorrupt, err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("%w: range filter must carry exactly one variant", ferrors.ErrInvalidFieldType)
	}

	for variant, payload := range obj {
		switch variant {
		case "Key":
			var k string
			if err := json.Unmarshal(payload, &k); err != nil {
				return fmt.Errorf("%w: range filter Key: %v", ferrors.ErrCorrupt, err)
			}
			*f = RangeFilter{Kind: RangeFilterKey, Key: k}
		case "KeyPrefix":
			var p string
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("%w: range filter KeyPrefix: %v", ferrors.ErrCorrupt, err)
			}
			*f = RangeFilter{Kind: RangeFilterKeyPrefix, Prefix: p}
		case "KeyRange":
			var kr keyRangePayload
			if err := json.Unmarshal(payload, &kr); err != nil {
				return fmt.Errorf("%w: range filter KeyRange: %v", ferrors.ErrCorrupt, err)
			}
			*f = RangeFilter{Kind: RangeFilterKeyRange, Lo: kr.Lo, Hi: kr.Hi}
		default:
			return fmt.Errorf("%w: unknown range filter variant %q", ferrors.ErrInvalidFieldType, variant)
		}
	}
	return nil
}

// ParseFilter decodes a query document's filter field, accepting either the
// bare tagged value or the {"range_filter": ...} envelope adapters send.
func ParseFilter(raw []byte) (*RangeFilter, error) {
	var envelope struct {
		RangeFilter json.RawMessage `json:"range_filter"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.RangeFilter != nil {
		raw = envelope.RangeFilter
	}

	var f RangeFilter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}
