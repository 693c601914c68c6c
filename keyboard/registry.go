package keyboard

import (
	"fmt"
	"sync"
)

//nolint:gochecknoglobals
var (
	layouts = make(map[string]Layout)
	mu      sync.RWMutex
)

func init() {
	initUS()
}

// LayoutFor returns the keyboard layout registered with name and whether it
// exists.
func LayoutFor(name string) (Layout, bool) {
	mu.RLock()
	defer mu.RUnlock()
	l, ok := layouts[name]
	return l, ok
}

// Register the given keyboard layout.
// This function panics if a keyboard layout with the same name is already registered.
func register(lang string, keys map[Key]Definition) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := layouts[lang]; ok {
		panic(fmt.Sprintf("keyboard layout already registered: %s", lang))
	}
	validKeys := make(map[Key]bool, len(keys)*2)
	for code, d := range keys {
		validKeys[code] = true
		validKeys[Key(d.Key)] = true
		if d.ShiftKey != "" {
			validKeys[Key(d.ShiftKey)] = true
		}
	}
	layouts[lang] = Layout{
		Name:      lang,
		ValidKeys: validKeys,
		Keys:      keys,
	}
}
