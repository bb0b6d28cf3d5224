package contracts

import (
	"reflect"
	"strings"
)

// URNPrefix starts every message type URN
const URNPrefix = "urn:message:"

const faultURNPrefix = URNPrefix + "mmate:Fault[["

type faultMessage interface {
	faultedType() reflect.Type
}

// URN returns the message type URN for t. Pointer types resolve to their
// element type. Fault[T] resolves to the fault URN of T.
func URN(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if f, ok := reflect.New(t).Interface().(faultMessage); ok {
		return FaultURN(URN(f.faultedType()))
	}

	name := t.Name()
	if i := strings.IndexByte(name, '['); i >= 0 {
		name = name[:i] + strings.ReplaceAll(name[i:], "/", ".")
	}
	if name == "" {
		name = strings.ReplaceAll(t.String(), "/", ".")
	}
	ns := strings.ReplaceAll(t.PkgPath(), "/", ".")
	if ns == "" {
		return URNPrefix + name
	}
	return URNPrefix + ns + ":" + name
}

// URNOf returns the message type URN of T.
func URNOf[T any]() string {
	return URN(reflect.TypeOf((*T)(nil)).Elem())
}

// URNFor returns the message type URN of the dynamic type of v.
func URNFor(v any) string {
	return URN(reflect.TypeOf(v))
}

// FaultURN returns the URN identifying Fault messages raised for inner.
func FaultURN(inner string) string {
	return faultURNPrefix + strings.TrimPrefix(inner, URNPrefix) + "]]"
}

// IsFaultURN reports whether urn identifies a Fault message.
func IsFaultURN(urn string) bool {
	return strings.HasPrefix(urn, faultURNPrefix)
}

// MessageTypes lists the URNs a value of type t is published under, most
// specific first: the type itself followed by every embedded named struct,
// depth first. Duplicates are removed.
func MessageTypes(t reflect.Type) []string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	seen := map[string]bool{}
	var out []string
	var walk func(reflect.Type)
	walk = func(t reflect.Type) {
		urn := URN(t)
		if seen[urn] {
			return
		}
		seen[urn] = true
		out = append(out, urn)
		if t.Kind() != reflect.Struct {
			return
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			ft := f.Type
			for ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if f.Anonymous && f.IsExported() && ft.Kind() == reflect.Struct && ft.PkgPath() != "" {
				walk(ft)
			}
		}
	}
	walk(t)
	return out
}
