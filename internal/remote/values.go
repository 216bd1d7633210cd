package remote

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Fields is a document's field set in plain Go values. Supported value types
// are nil, string, bool, int, int64, *int64, float64 and time.Time.
type Fields map[string]any

// Document is a decoded remote document.
type Document struct {
	Name       string
	ID         string
	Fields     Fields
	CreateTime time.Time
	UpdateTime time.Time
}

// String returns a string field or "".
func (d *Document) String(key string) string {
	s, _ := d.Fields[key].(string)
	return s
}

// Int returns an integer field or 0.
func (d *Document) Int(key string) int64 {
	switch v := d.Fields[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// IntPtr returns an integer field, or nil when it is null or absent.
func (d *Document) IntPtr(key string) *int64 {
	if v, ok := d.Fields[key].(int64); ok {
		return &v
	}
	return nil
}

// Bool returns a boolean field or false.
func (d *Document) Bool(key string) bool {
	b, _ := d.Fields[key].(bool)
	return b
}

// Time returns a timestamp field or the zero time.
func (d *Document) Time(key string) time.Time {
	t, _ := d.Fields[key].(time.Time)
	return t
}

func encodeFields(f Fields) map[string]any {
	out := make(map[string]any, len(f))
	for k, v := range f {
		out[k] = encodeValue(v)
	}
	return out
}

func encodeValue(v any) map[string]any {
	switch x := v.(type) {
	case nil:
		return map[string]any{"nullValue": nil}
	case string:
		return map[string]any{"stringValue": x}
	case bool:
		return map[string]any{"booleanValue": x}
	case int:
		return map[string]any{"integerValue": strconv.Itoa(x)}
	case int64:
		return map[string]any{"integerValue": strconv.FormatInt(x, 10)}
	case *int64:
		if x == nil {
			return map[string]any{"nullValue": nil}
		}
		return map[string]any{"integerValue": strconv.FormatInt(*x, 10)}
	case float64:
		return map[string]any{"doubleValue": x}
	case time.Time:
		if x.IsZero() {
			return map[string]any{"nullValue": nil}
		}
		return map[string]any{"timestampValue": x.UTC().Format(time.RFC3339Nano)}
	default:
		return map[string]any{"stringValue": fmt.Sprint(x)}
	}
}

func decodeValue(v gjson.Result) any {
	if r := v.Get("stringValue"); r.Exists() {
		return r.String()
	}
	if r := v.Get("integerValue"); r.Exists() {
		return r.Int()
	}
	if r := v.Get("doubleValue"); r.Exists() {
		return r.Float()
	}
	if r := v.Get("booleanValue"); r.Exists() {
		return r.Bool()
	}
	if r := v.Get("timestampValue"); r.Exists() {
		t, err := time.Parse(time.RFC3339Nano, r.String())
		if err != nil {
			return nil
		}
		return t
	}
	if r := v.Get("mapValue.fields"); r.Exists() {
		return decodeFields(r)
	}
	if r := v.Get("arrayValue"); r.Exists() {
		var out []any
		r.Get("values").ForEach(func(_, item gjson.Result) bool {
			out = append(out, decodeValue(item))
			return true
		})
		return out
	}
	return nil
}

func decodeFields(r gjson.Result) Fields {
	f := make(Fields)
	r.ForEach(func(k, v gjson.Result) bool {
		f[k.String()] = decodeValue(v)
		return true
	})
	return f
}

func parseDocument(r gjson.Result) Document {
	name := r.Get("name").String()
	d := Document{
		Name:   name,
		ID:     lastSegment(name),
		Fields: decodeFields(r.Get("fields")),
	}
	d.CreateTime, _ = time.Parse(time.RFC3339Nano, r.Get("createTime").String())
	d.UpdateTime, _ = time.Parse(time.RFC3339Nano, r.Get("updateTime").String())
	return d
}

func lastSegment(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

func sortedKeys(f Fields) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
