// Package registry maps service/method names to invocable handlers,
// resolving overloads by arity and declared argument-type shape (spec §4.6,
// §9 Design Notes: "register each method under a key that incorporates its
// arity and argument-type shape, and resolve lazily").
package registry

import (
	"reflect"
	"sync"

	"github.com/fleetrpc/fleetrpc/pkg/errors"
)

// Handler invokes one resolved method. args and the returned result are
// opaque to the registry; pkg/serializer owns turning them into/out of wire
// bytes. A Handler returns a plain error for application-level failures,
// reported to the caller as ServiceInvocation.
type Handler func(args []any) (any, error)

// Method describes one registered overload: its declared argument types, in
// order, used to match an incoming call's decoded argument shape. A nil
// entry in Args matches any value at that position (untyped/interface{}
// argument).
type Method struct {
	Name    string
	Args    []reflect.Type
	Handler Handler
}

type service struct {
	mu      sync.RWMutex
	methods map[string][]Method // keyed by method name; overloads disambiguated by arity/shape
}

// Registry holds the services registered on a Runtime. Create one with New;
// the zero value has no services map and is not usable.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*service
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{services: make(map[string]*service)}
}

// Register adds one overload of serviceName.methodName. Args gives the
// declared parameter types in order; pass nil entries for parameters that
// accept any type.
func (r *Registry) Register(serviceName string, m Method) {
	r.mu.Lock()
	svc, ok := r.services[serviceName]
	if !ok {
		svc = &service{methods: make(map[string][]Method)}
		r.services[serviceName] = svc
	}
	r.mu.Unlock()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.methods[m.Name] = append(svc.methods[m.Name], m)
}

// RegisterFunc is a convenience wrapper around Register that takes the
// method name, declared argument types and handler as separate parameters
// instead of a Method value. It derives nothing by reflection: argTypes is
// used exactly as given.
func RegisterFunc(r *Registry, serviceName, methodName string, argTypes []reflect.Type, handler Handler) {
	r.Register(serviceName, Method{Name: methodName, Args: argTypes, Handler: handler})
}

// Resolve finds the single overload of serviceName.methodName whose
// declared shape matches args. It returns ServiceNotFound if the service or
// method name is unknown, and AmbiguousMethod if more than one overload
// matches equally well (spec §4.6, §8.6).
func (r *Registry) Resolve(serviceName, methodName string, args []any) (Handler, error) {
	r.mu.RLock()
	svc, ok := r.services[serviceName]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewServiceNotFoundError(serviceName, methodName)
	}

	svc.mu.RLock()
	candidates := svc.methods[methodName]
	svc.mu.RUnlock()
	if len(candidates) == 0 {
		return nil, errors.NewServiceNotFoundError(serviceName, methodName)
	}

	// A match on a declared type is better than a match on a nil (any)
	// entry; only the overloads with the most typed matches are kept.
	var matched []Method
	best := -1
	for _, cand := range candidates {
		if !matches(cand.Args, args) {
			continue
		}
		score := 0
		for _, t := range cand.Args {
			if t != nil {
				score++
			}
		}
		switch {
		case score > best:
			best = score
			matched = []Method{cand}
		case score == best:
			matched = append(matched, cand)
		}
	}

	switch len(matched) {
	case 0:
		return nil, errors.NewServiceNotFoundError(serviceName, methodName)
	case 1:
		return matched[0].Handler, nil
	default:
		sigs := make([]string, len(matched))
		for i, m := range matched {
			sigs[i] = signature(methodName, m.Args)
		}
		return nil, errors.NewAmbiguousMethodError(serviceName, methodName, sigs)
	}
}

func matches(declared []reflect.Type, args []any) bool {
	if len(declared) != len(args) {
		return false
	}
	for i, t := range declared {
		if t == nil {
			continue
		}
		if args[i] == nil {
			return false
		}
		if !reflect.TypeOf(args[i]).AssignableTo(t) {
			return false
		}
	}
	return true
}

func signature(name string, args []reflect.Type) string {
	s := name + "("
	for i, t := range args {
		if i > 0 {
			s += ", "
		}
		if t == nil {
			s += "any"
		} else {
			s += t.String()
		}
	}
	return s + ")"
}

// Services lists the registered service names, for diagnostics.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}

// MethodSignatures lists the registered overload signatures for a service,
// for diagnostics and error messages.
func (r *Registry) MethodSignatures(serviceName string) []string {
	r.mu.RLock()
	svc, ok := r.services[serviceName]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	var out []string
	for name, methods := range svc.methods {
		for _, m := range methods {
			out = append(out, signature(name, m.Args))
		}
	}
	return out
}
