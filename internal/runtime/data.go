package runtime

import (
	"maps"

	"github.com/rendis/cadenza/pkg/schema"
)

// deepMerge merges src into dst and returns the result. Keys of src win;
// nested objects are merged recursively. Neither argument is modified.
func deepMerge(dst, src map[string]any) map[string]any {
	out := maps.Clone(dst)
	if out == nil {
		out = make(map[string]any, len(src))
	}
	for k, v := range src {
		sv, srcObj := v.(map[string]any)
		dv, dstObj := out[k].(map[string]any)
		if srcObj && dstObj {
			out[k] = deepMerge(dv, sv)
			continue
		}
		out[k] = v
	}
	return out
}

// mergeResult folds an action result into the state data following the
// action data filter: results under toStateData when set, otherwise merged
// into an object state or replacing a non-object one.
func mergeResult(filter *schema.ActionDataFilter, data, result any) any {
	if filter != nil && filter.UseResults != nil && !*filter.UseResults {
		return data
	}
	obj, isObj := data.(map[string]any)
	if filter != nil && filter.ToStateData != "" {
		key := filter.ToStateData
		if len(key) > 1 && key[0] == '.' {
			key = key[1:]
		}
		out := maps.Clone(obj)
		if out == nil {
			out = map[string]any{}
		}
		out[key] = result
		return out
	}
	if result == nil {
		return data
	}
	if res, ok := result.(map[string]any); ok && (isObj || data == nil) {
		return deepMerge(obj, res)
	}
	return result
}
