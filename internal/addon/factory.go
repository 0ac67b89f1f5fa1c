package addon

import (
	"sort"
	"sync"
)

// Factory builds an addon from its manifest. Built-in addons register one
// from init(); the manifest's main+class pick it.
type Factory func(m Manifest, env Env) (Addon, error)

type factoryTable struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var factories = &factoryTable{factories: make(map[string]Factory)}

func factoryKey(main, class string) string { return main + "#" + class }

// Register makes a factory reachable from manifests declaring main and class.
// A later registration for the same pair replaces the earlier one.
func Register(main, class string, f Factory) {
	factories.mu.Lock()
	defer factories.mu.Unlock()
	factories.factories[factoryKey(main, class)] = f
}

func lookupFactory(main, class string) (Factory, bool) {
	factories.mu.RLock()
	defer factories.mu.RUnlock()
	f, ok := factories.factories[factoryKey(main, class)]
	return f, ok
}

// Registered lists the main#class pairs known to this binary.
func Registered() []string {
	factories.mu.RLock()
	defer factories.mu.RUnlock()
	out := make([]string, 0, len(factories.factories))
	for k := range factories.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
