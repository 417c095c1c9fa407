package batch

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// EncodeQuery renders params with PHP-style bracketed keys
// (filter[>ID]=10&select[0]=ID), the form Bitrix24 parses inside batch
// sub-commands. Map keys are sorted so the output is deterministic; nil
// values are omitted.
func EncodeQuery(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}

	var pairs []string
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		pairs = appendValue(pairs, k, reflect.ValueOf(params[k]))
	}
	return strings.Join(pairs, "&")
}

func appendValue(pairs []string, key string, v reflect.Value) []string {
	if !v.IsValid() {
		return pairs
	}

	// json.Number and Stringers are scalars even though some are strings underneath.
	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case json.Number:
			return append(pairs, pair(key, x.String()))
		case fmt.Stringer:
			if v.Kind() != reflect.Map && v.Kind() != reflect.Slice {
				return append(pairs, pair(key, x.String()))
			}
		}
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return pairs
		}
		return appendValue(pairs, key, v.Elem())
	case reflect.Map:
		keys := make([]string, 0, v.Len())
		index := make(map[string]reflect.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			keys = append(keys, k)
			index[k] = iter.Value()
		}
		sort.Strings(keys)
		for _, k := range keys {
			pairs = appendValue(pairs, key+"["+k+"]", index[k])
		}
		return pairs
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return append(pairs, pair(key, string(v.Bytes())))
		}
		for i := 0; i < v.Len(); i++ {
			pairs = appendValue(pairs, key+"["+strconv.Itoa(i)+"]", v.Index(i))
		}
		return pairs
	case reflect.Bool:
		if v.Bool() {
			return append(pairs, pair(key, "1"))
		}
		return append(pairs, pair(key, "0"))
	case reflect.String:
		return append(pairs, pair(key, v.String()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return append(pairs, pair(key, strconv.FormatInt(v.Int(), 10)))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return append(pairs, pair(key, strconv.FormatUint(v.Uint(), 10)))
	case reflect.Float32, reflect.Float64:
		return append(pairs, pair(key, strconv.FormatFloat(v.Float(), 'f', -1, 64)))
	default:
		return append(pairs, pair(key, fmt.Sprint(v.Interface())))
	}
}

func pair(key, value string) string {
	return url.QueryEscape(key) + "=" + url.QueryEscape(value)
}
