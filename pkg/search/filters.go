package search

import (
	"fmt"
	"sort"

	"github.com/quarrylabs/quarry/pkg/quarryerr"
)

// semanticFields maps the user-facing filter vocabulary to store fields.
// Unknown keys pass through as field names.
var semanticFields = map[string]string{
	"data_sources":   "filename",
	"document_types": "mimetype",
	"owners":         "owner",
}

// filterOverrides are the per-request knobs the explicit filter form may
// carry alongside its clauses.
type filterOverrides struct {
	limit          *int
	scoreThreshold *float64
}

// coerceFilters turns either filter shape into store filter clauses.
//
// The explicit form {"filter": [clauses...], "limit"?, "score_threshold"?}
// passes clauses through, dropping term clauses on the impossible-value
// sentinel. The semantic form maps each key to a field and its value list to
// a term or terms clause; an empty list becomes a term on the sentinel so an
// empty selection matches nothing.
func coerceFilters(filters map[string]interface{}) ([]map[string]interface{}, filterOverrides, error) {
	if len(filters) == 0 {
		return nil, filterOverrides{}, nil
	}
	if raw, ok := filters["filter"]; ok {
		return coerceExplicit(raw, filters)
	}
	clauses, err := coerceSemantic(filters)
	return clauses, filterOverrides{}, err
}

func coerceExplicit(raw interface{}, filters map[string]interface{}) ([]map[string]interface{}, filterOverrides, error) {
	list, ok := raw.([]interface{})
	if !ok {
		if typed, isTyped := raw.([]map[string]interface{}); isTyped {
			list = make([]interface{}, len(typed))
			for i, c := range typed {
				list[i] = c
			}
		} else {
			return nil, filterOverrides{}, quarryerr.Newf(quarryerr.KindInvalidInput,
				"explicit filter must be a list, got %T", raw)
		}
	}

	clauses := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		clause, ok := item.(map[string]interface{})
		if !ok {
			return nil, filterOverrides{}, quarryerr.Newf(quarryerr.KindInvalidInput,
				"filter clause must be an object, got %T", item)
		}
		if isSentinelTerm(clause) {
			continue
		}
		clauses = append(clauses, clause)
	}

	var ov filterOverrides
	if v, ok := filters["limit"]; ok {
		n, err := asInt(v)
		if err != nil {
			return nil, filterOverrides{}, quarryerr.Wrap(quarryerr.KindInvalidInput, "invalid limit", err)
		}
		ov.limit = &n
	}
	if v, ok := filters["score_threshold"]; ok {
		f, err := asFloat(v)
		if err != nil {
			return nil, filterOverrides{}, quarryerr.Wrap(quarryerr.KindInvalidInput, "invalid score_threshold", err)
		}
		ov.scoreThreshold = &f
	}
	return clauses, ov, nil
}

func coerceSemantic(filters map[string]interface{}) ([]map[string]interface{}, error) {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]map[string]interface{}, 0, len(keys))
	for _, key := range keys {
		field := semanticFields[key]
		if field == "" {
			field = key
		}
		values, err := asStringList(filters[key])
		if err != nil {
			return nil, quarryerr.Newf(quarryerr.KindInvalidInput,
				"filter %s: %v", key, err)
		}
		switch len(values) {
		case 0:
			clauses = append(clauses, map[string]interface{}{
				"term": map[string]interface{}{field: ImpossibleValue},
			})
		case 1:
			clauses = append(clauses, map[string]interface{}{
				"term": map[string]interface{}{field: values[0]},
			})
		default:
			clauses = append(clauses, map[string]interface{}{
				"terms": map[string]interface{}{field: values},
			})
		}
	}
	return clauses, nil
}

// isSentinelTerm reports whether the clause is a single-field term on the
// impossible-value sentinel.
func isSentinelTerm(clause map[string]interface{}) bool {
	term, ok := clause["term"].(map[string]interface{})
	if !ok || len(clause) != 1 {
		return false
	}
	for _, v := range term {
		if s, ok := v.(string); ok && s == ImpossibleValue {
			return true
		}
	}
	return false
}

func asStringList(v interface{}) ([]string, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{vv}, nil
	case []string:
		return vv, nil
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("value must be a string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value must be a string list, got %T", v)
	}
}

func asInt(v interface{}) (int, error) {
	switch vv := v.(type) {
	case int:
		return vv, nil
	case float64:
		return int(vv), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func asFloat(v interface{}) (float64, error) {
	switch vv := v.(type) {
	case int:
		return float64(vv), nil
	case float64:
		return vv, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}
