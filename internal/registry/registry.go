// Package registry implements name-keyed Function/Condition/Comparator
// tables. The reference server uses exactly this shape for its
// push-notification handlers (server/push/push.go: a package-level map
// populated by Register, looked up by name at dispatch time); this
// package generalizes that pattern to the three operator interfaces a
// bucket's custom behavior hangs off of.
package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/terrastore-go/terrastore/internal/store"
)

// Registry holds the boot-time registration tables for all three operator
// kinds. It has no relation to dependency injection — registration is an
// explicit call made once at process init, not a container resolving
// constructors.
type Registry struct {
	mu         sync.RWMutex
	functions  map[string]store.Function
	conditions map[string]store.Condition
	comparators map[string]store.Comparator
}

// New returns a registry pre-populated with the default comparator
// ("order") and default condition ("jxpath", a minimal JSON-pointer-style
// equality guard).
func New() *Registry {
	r := &Registry{
		functions:   make(map[string]store.Function),
		conditions:  make(map[string]store.Condition),
		comparators: make(map[string]store.Comparator),
	}
	r.RegisterComparator("order", newDefaultComparator())
	r.RegisterCondition("jxpath", jxpathCondition{})
	return r
}

func (r *Registry) RegisterFunction(name string, fn store.Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.functions[name]; dup {
		panic("registry: function already registered: " + name)
	}
	r.functions[name] = fn
}

func (r *Registry) RegisterCondition(name string, c store.Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.conditions[name]; dup {
		panic("registry: condition already registered: " + name)
	}
	r.conditions[name] = c
}

func (r *Registry) RegisterComparator(name string, c store.Comparator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.comparators[name]; dup {
		panic("registry: comparator already registered: " + name)
	}
	r.comparators[name] = c
}

func (r *Registry) Function(name string) (store.Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.functions[name]
	if !ok {
		return nil, store.NewError(store.BadRequest, "", "unknown function %q", name)
	}
	return fn, nil
}

func (r *Registry) Condition(name string) (store.Condition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conditions[name]
	if !ok {
		return nil, store.NewError(store.BadRequest, "", "unknown condition %q", name)
	}
	return c, nil
}

func (r *Registry) Comparator(name string) (store.Comparator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = "order"
	}
	c, ok := r.comparators[name]
	if !ok {
		return nil, store.NewError(store.BadRequest, "", "unknown comparator %q", name)
	}
	return c, nil
}

// ParsePredicate splits a "type:expression" predicate string. An
// empty predicate means "no guard" and returns ok=false.
func ParsePredicate(predicate string) (predType, expr string, ok bool) {
	if predicate == "" {
		return "", "", false
	}
	parts := strings.SplitN(predicate, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// defaultComparator orders keys with Unicode collation so multi-byte keys
// sort the way an operator expects, falling back to a byte comparison if
// collator construction ever fails (it practically never does for
// language.Und, but the fallback keeps Compare total and panic-free).
type defaultComparator struct {
	col *collate.Collator
}

func newDefaultComparator() *defaultComparator {
	return &defaultComparator{col: collate.New(language.Und)}
}

func (d *defaultComparator) Compare(a, b string) int {
	if d.col == nil {
		return strings.Compare(a, b)
	}
	return d.col.CompareString(a, b)
}

// jxpathCondition is a minimal guard supporting the "jxpath:/field[.=value]"
// shape for a conditional-put/get guard. It is an illustrative default,
// not a general JSONPath/XPath engine — real deployments register their
// own Condition implementations.
type jxpathCondition struct{}

func (jxpathCondition) IsSatisfied(_ string, value []byte, expression string) (bool, error) {
	field, expected, err := parseFieldEquals(expression)
	if err != nil {
		return false, err
	}
	got, err := extractJSONField(value, field)
	if err != nil {
		return false, err
	}
	return got == expected, nil
}

// parseFieldEquals parses "/field[.=value]" into ("field", "value").
func parseFieldEquals(expr string) (field, value string, err error) {
	expr = strings.TrimPrefix(expr, "/")
	open := strings.Index(expr, "[.=")
	close := strings.LastIndex(expr, "]")
	if open < 0 || close < open {
		return "", "", fmt.Errorf("jxpath: malformed expression %q", expr)
	}
	field = expr[:open]
	value = expr[open+len("[.="): close]
	return field, value, nil
}

// extractJSONField reads a top-level field from a JSON document and
// stringifies it for comparison against the expression literal.
func extractJSONField(value []byte, field string) (string, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(value, &doc); err != nil {
		return "", fmt.Errorf("jxpath: value is not a JSON object: %w", err)
	}
	v, ok := doc[field]
	if !ok {
		return "", nil
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}
