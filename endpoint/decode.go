package endpoint

import (
	"encoding"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
)

// defaultFieldLimit bounds a single decoded value unless maxLength says otherwise.
var defaultFieldLimit = 4 * 1024

// Unmarshal populates dst, a pointer to a struct, from r.
//
// Fields are filled from these struct tags, in this precedence:
//
//	`path:"name"`    r.PathValue(name)
//	`query:"name"`   r.URL.Query()[name]
//	`header:"name"`  r.Header[name]
//
// An empty name means the lower-cased field name; "-" skips the field.
// `maxLength:"n"` limits the byte length of each value (0 for no limit).
// Untagged struct fields are decoded recursively. Fields with no value in the
// request are left unchanged. Bad values are reported as 400 errors.
func Unmarshal(r *http.Request, dst any) error {
	if r == nil {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: nil request"))
	}
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must be a non-nil pointer"))
	}
	root := v.Elem()
	if root.Kind() == reflect.Pointer {
		if root.IsNil() {
			root.Set(reflect.New(root.Type().Elem()))
		}
		root = root.Elem()
	}
	if root.Kind() != reflect.Struct {
		return Error(http.StatusInternalServerError, "", errors.New("endpoint: decode: dst must point to a struct"))
	}
	return decodeStruct(r, newSources(r), root)
}

type lookupFunc func(name string) ([]string, bool)

type sources struct {
	path, query, header lookupFunc
}

func newSources(r *http.Request) sources {
	q := r.URL.Query()
	return sources{
		path: func(name string) ([]string, bool) {
			v := r.PathValue(name)
			return []string{v}, v != ""
		},
		query: func(name string) ([]string, bool) {
			vs, ok := q[name]
			return vs, ok && len(vs) > 0
		},
		header: func(name string) ([]string, bool) {
			vs := r.Header[http.CanonicalHeaderKey(name)]
			return vs, len(vs) > 0
		},
	}
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

func decodeStruct(r *http.Request, src sources, sv reflect.Value) error {
	t := sv.Type()
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		fv := sv.Field(i)

		tags := []struct {
			key    string
			lookup lookupFunc
		}{{"path", src.path}, {"query", src.query}, {"header", src.header}}

		tagged, skip := false, false
		for _, tg := range tags {
			if name, ok := sf.Tag.Lookup(tg.key); ok {
				tagged = true
				skip = skip || name == "-"
			}
		}
		if skip {
			continue
		}
		if !tagged {
			if nested, ok := structTarget(fv); ok {
				if err := decodeStruct(r, src, nested); err != nil {
					return err
				}
			}
			continue
		}

		limit, err := fieldLimit(sf)
		if err != nil {
			return Error(http.StatusInternalServerError, "", fmt.Errorf("endpoint: decode: field %s: %w", sf.Name, err))
		}
		for _, tg := range tags {
			name, ok := sf.Tag.Lookup(tg.key)
			if !ok {
				continue
			}
			if name = strings.TrimSpace(name); name == "" {
				name = strings.ToLower(sf.Name)
			}
			values, found := tg.lookup(name)
			if !found {
				continue
			}
			for _, val := range values {
				if limit > 0 && len(val) > limit {
					return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q exceeds max length %d", tg.key, name, limit))
				}
			}
			if err := setValues(fv, values); err != nil {
				return Error(http.StatusBadRequest, "", fmt.Errorf("endpoint: decode: %s %q -> %s: %w", tg.key, name, sf.Name, err))
			}
			break
		}
	}
	return nil
}

// structTarget returns the struct to recurse into for an untagged field.
func structTarget(fv reflect.Value) (reflect.Value, bool) {
	if fv.Kind() == reflect.Pointer && fv.Type().Elem().Kind() == reflect.Struct {
		if fv.Type().Implements(textUnmarshalerType) {
			return reflect.Value{}, false
		}
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		return fv.Elem(), true
	}
	if fv.Kind() == reflect.Struct && !reflect.PointerTo(fv.Type()).Implements(textUnmarshalerType) {
		return fv, true
	}
	return reflect.Value{}, false
}

func fieldLimit(sf reflect.StructField) (int, error) {
	val, ok := sf.Tag.Lookup("maxLength")
	if !ok {
		return defaultFieldLimit, nil
	}
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("maxLength: invalid value %q", val)
	}
	return n, nil
}

func setValues(v reflect.Value, values []string) error {
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		out := reflect.MakeSlice(v.Type(), 0, len(values))
		for _, s := range values {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := setValue(elem, s); err != nil {
				return err
			}
			out = reflect.Append(out, elem)
		}
		v.Set(out)
		return nil
	}
	return setValue(v, values[0])
}

func setValue(v reflect.Value, s string) error {
	if v.CanAddr() {
		if u, ok := v.Addr().Interface().(encoding.TextUnmarshaler); ok {
			return u.UnmarshalText([]byte(s))
		}
	}
	switch v.Kind() {
	case reflect.String:
		v.SetString(s)
	case reflect.Slice:
		v.SetBytes([]byte(s))
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	default:
		return fmt.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
