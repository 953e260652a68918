package session

// OneShot is a keyed observer list that fires every subscriber exactly once
// and then stays spent.
type OneShot struct {
	keys  []string
	hooks map[string]func()
	fired bool
}

func NewOneShot() *OneShot { return &OneShot{hooks: make(map[string]func())} }

// Register adds fn under key. Duplicate keys and registrations after Fire are
// ignored; the return value says whether fn was kept.
func (o *OneShot) Register(key string, fn func()) bool {
	if o.fired || fn == nil {
		return false
	}
	if _, ok := o.hooks[key]; ok {
		return false
	}
	o.keys = append(o.keys, key)
	o.hooks[key] = fn
	return true
}

// Unregister removes the hook under key before it fires.
func (o *OneShot) Unregister(key string) bool {
	if _, ok := o.hooks[key]; !ok {
		return false
	}
	delete(o.hooks, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
	return true
}

// Fire runs the hooks in registration order, clears them and reports how many
// ran. Later calls run nothing.
func (o *OneShot) Fire() int {
	if o.fired {
		return 0
	}
	o.fired = true
	keys, hooks := o.keys, o.hooks
	o.keys, o.hooks = nil, nil
	for _, key := range keys {
		hooks[key]()
	}
	return len(keys)
}

func (o *OneShot) Pending() int { return len(o.keys) }

func (o *OneShot) Fired() bool { return o.fired }
