package nn

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SkipChildren, returned from a WalkFunc, prunes the subtree below the
// visited module without aborting the walk.
var SkipChildren = errors.New("nn: skip children")

// NamedModule is a module with its depth-first dotted path.
type NamedModule struct {
	Name   string
	Module Module
}

// WalkFunc visits a module at a dotted path. replace swaps the module in
// its parent slot; it reports false when the slot cannot hold the new
// value, e.g. a concrete-typed struct field. replace is nil at the root.
type WalkFunc func(path string, m Module, replace func(Module) bool) error

var moduleType = reflect.TypeOf((*Module)(nil)).Elem()

// Walk traverses the module tree depth first, visiting parents before
// children. Containers are walked through their Children accessor; any
// other module is walked by reflection over its exported struct fields,
// including slices and string-keyed maps of modules.
func Walk(root Module, fn WalkFunc) error {
	return walk("", root, nil, fn)
}

func walk(path string, m Module, replace func(Module) bool, fn WalkFunc) error {
	if m == nil {
		return nil
	}
	if err := fn(path, m, replace); err != nil {
		if err == SkipChildren {
			return nil
		}
		return err
	}
	if c, ok := m.(Container); ok {
		for _, child := range c.Children() {
			name := child.Name
			err := walk(join(path, name), child.Module, func(nm Module) bool {
				return c.Replace(name, nm)
			}, fn)
			if err != nil {
				return err
			}
		}
		return nil
	}
	return walkFields(path, m, fn)
}

// walkFields reflects over the struct behind m and recurses into every
// field that holds a module.
func walkFields(path string, m Module, fn WalkFunc) error {
	v := reflect.ValueOf(m)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		if f.Anonymous {
			// a promoted embedded module is the module itself, not a child
			continue
		}
		fv := v.Field(i)
		name := strings.ToLower(f.Name)
		switch {
		case f.Type.Implements(moduleType) || f.Type == moduleType:
			if fv.IsNil() {
				continue
			}
			child := fv.Interface().(Module)
			err := walk(join(path, name), child, func(nm Module) bool {
				nv := reflect.ValueOf(nm)
				if !fv.CanSet() || !nv.Type().AssignableTo(f.Type) {
					return false
				}
				fv.Set(nv)
				return true
			}, fn)
			if err != nil {
				return err
			}
		case f.Type.Kind() == reflect.Slice && elemIsModule(f.Type.Elem()):
			for j := 0; j < fv.Len(); j++ {
				ev := fv.Index(j)
				if ev.IsNil() {
					continue
				}
				child := ev.Interface().(Module)
				idx := name + "." + strconv.Itoa(j)
				err := walk(join(path, idx), child, func(nm Module) bool {
					nv := reflect.ValueOf(nm)
					if !ev.CanSet() || !nv.Type().AssignableTo(f.Type.Elem()) {
						return false
					}
					ev.Set(nv)
					return true
				}, fn)
				if err != nil {
					return err
				}
			}
		case f.Type.Kind() == reflect.Map && f.Type.Key().Kind() == reflect.String && elemIsModule(f.Type.Elem()):
			keys := make([]string, 0, fv.Len())
			for _, k := range fv.MapKeys() {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			for _, k := range keys {
				mv := fv.MapIndex(reflect.ValueOf(k))
				if mv.IsNil() {
					continue
				}
				child := mv.Interface().(Module)
				key := k
				err := walk(join(path, name+"."+key), child, func(nm Module) bool {
					nv := reflect.ValueOf(nm)
					if !nv.Type().AssignableTo(f.Type.Elem()) {
						return false
					}
					fv.SetMapIndex(reflect.ValueOf(key), nv)
					return true
				}, fn)
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func elemIsModule(t reflect.Type) bool {
	return t == moduleType || t.Implements(moduleType)
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// NamedModules returns every module in the tree with its dotted path,
// depth first, the root under the empty name.
func NamedModules(root Module) []NamedModule {
	var out []NamedModule
	_ = Walk(root, func(path string, m Module, _ func(Module) bool) error {
		out = append(out, NamedModule{Name: path, Module: m})
		return nil
	})
	return out
}

// Parameters collects the parameters of every Parameterized module in the
// tree, depth first.
func Parameters(root Module) []*Param {
	var out []*Param
	_ = Walk(root, func(_ string, m Module, _ func(Module) bool) error {
		if p, ok := m.(Parameterized); ok {
			out = append(out, p.Params()...)
		}
		return nil
	})
	return out
}

// NamedParam is a parameter with its dotted owner path.
type NamedParam struct {
	Name  string
	Param *Param
}

// NamedParameters collects parameters with "<module path>.<param name>"
// keys, the naming scheme checkpoints use.
func NamedParameters(root Module) []NamedParam {
	var out []NamedParam
	_ = Walk(root, func(path string, m Module, _ func(Module) bool) error {
		if p, ok := m.(Parameterized); ok {
			for _, param := range p.Params() {
				out = append(out, NamedParam{Name: join(path, param.Name), Param: param})
			}
		}
		return nil
	})
	return out
}
