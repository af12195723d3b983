package validator

import (
	"reflect"

	"github.com/dop251/goja/ast"
)

var astPkgPath = reflect.TypeOf(ast.Program{}).PkgPath()

// inspect traverses the syntax tree rooted at node in depth-first source
// order, calling f for every ast.Node reached through a pointer. If f returns
// false the node's children are skipped.
//
// goja does not ship a visitor, so the traversal is driven by reflection over
// the exported fields of the ast structs. This reaches node kinds added by
// future parser versions without code changes here.
func inspect(node ast.Node, f func(ast.Node) bool) {
	inspectValue(reflect.ValueOf(node), f)
}

func inspectValue(v reflect.Value, f func(ast.Node) bool) {
	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		inspectValue(v.Elem(), f)

	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		if n, ok := v.Interface().(ast.Node); ok {
			if !f(n) {
				return
			}
		}
		if v.Type().Elem().PkgPath() != astPkgPath {
			return
		}
		inspectValue(v.Elem(), f)

	case reflect.Struct:
		if v.Type().PkgPath() != astPkgPath {
			return
		}
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			field := t.Field(i)
			// Hoisted declarations alias bindings already present in the body.
			if !field.IsExported() || field.Name == "DeclarationList" {
				continue
			}
			inspectValue(v.Field(i), f)
		}

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			inspectValue(v.Index(i), f)
		}
	}
}
