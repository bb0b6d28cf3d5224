package serialization

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Adapt builds a T from source by matching field names. source may be a
// map with string keys or a struct (or pointer to one). Fields are matched
// by json name, then Go name, then case-insensitively. Absent primitive
// fields take the value of their `default:"..."` tag.
func Adapt[T any](source any) (T, error) {
	var out T
	target := reflect.ValueOf(&out).Elem()
	if target.Kind() != reflect.Struct {
		return out, fmt.Errorf("adapt: target must be a struct, got %v", target.Kind())
	}
	values, err := sourceValues(source)
	if err != nil {
		return out, err
	}
	if err := adaptStruct(target, values); err != nil {
		return out, err
	}
	return out, nil
}

func sourceValues(source any) (map[string]any, error) {
	if source == nil {
		return map[string]any{}, nil
	}
	if m, ok := source.(map[string]any); ok {
		return m, nil
	}
	v := reflect.ValueOf(source)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return map[string]any{}, nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("adapt: map source must have string keys, got %v", v.Type().Key())
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil
	case reflect.Struct:
		out := map[string]any{}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			out[f.Name] = v.Field(i).Interface()
			if name := jsonName(f); name != "" && name != f.Name {
				out[name] = v.Field(i).Interface()
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("adapt: unsupported source %T", source)
	}
}

func adaptStruct(target reflect.Value, values map[string]any) error {
	t := target.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		raw, found := lookup(values, f)
		field := target.Field(i)
		if !found {
			if def, ok := f.Tag.Lookup("default"); ok {
				if err := setDefault(field, def); err != nil {
					return fmt.Errorf("adapt: field %s: %w", f.Name, err)
				}
			}
			continue
		}
		if err := assign(field, raw); err != nil {
			return fmt.Errorf("adapt: field %s: %w", f.Name, err)
		}
	}
	return nil
}

func lookup(values map[string]any, f reflect.StructField) (any, bool) {
	if name := jsonName(f); name != "" {
		if v, ok := values[name]; ok {
			return v, true
		}
	}
	if v, ok := values[f.Name]; ok {
		return v, true
	}
	for k, v := range values {
		if strings.EqualFold(k, f.Name) {
			return v, true
		}
	}
	return nil, false
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	return name
}

func assign(field reflect.Value, raw any) error {
	if raw == nil {
		return nil
	}
	v := reflect.ValueOf(raw)
	switch {
	case v.Type().AssignableTo(field.Type()):
		field.Set(v)
		return nil
	case field.Type() == durationType && v.Kind() == reflect.String:
		d, err := time.ParseDuration(v.String())
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	case isNumeric(v.Kind()) && isNumeric(field.Kind()):
		field.Set(v.Convert(field.Type()))
		return nil
	case field.Kind() == reflect.Struct && v.Kind() == reflect.Map:
		nested, err := sourceValues(raw)
		if err != nil {
			return err
		}
		return adaptStruct(field, nested)
	}

	data, err := Marshal(raw)
	if err != nil {
		return err
	}
	return Unmarshal(data, field.Addr().Interface())
}

func setDefault(field reflect.Value, def string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(def)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(def)
	case reflect.Bool:
		b, err := strconv.ParseBool(def)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(def, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(def, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(def, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(n)
	default:
		return fmt.Errorf("default tag unsupported for %v", field.Kind())
	}
	return nil
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
