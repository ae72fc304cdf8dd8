package cmdbus

import (
	"sort"
	"sync"
)

type (
	// streamHub tracks the Streams a Bus pushes committed events to, by
	// tenant and then by stream name
	streamHub struct {
		mu      sync.RWMutex
		tenants map[string]map[string]*Stream
	}
)

func newStreamHub() *streamHub {
	return &streamHub{
		tenants: map[string]map[string]*Stream{},
	}
}

// getOrCreate returns the registered Stream, registering the result of
// create if there is none yet
func (h *streamHub) getOrCreate(
	tenant, name string, create func() *Stream,
) *Stream {
	if s, ok := h.get(tenant, name); ok {
		return s
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	streams, ok := h.tenants[tenant]
	if !ok {
		streams = map[string]*Stream{}
		h.tenants[tenant] = streams
	}
	if s, ok := streams[name]; ok {
		return s
	}
	s := create()
	streams[name] = s
	return s
}

func (h *streamHub) get(tenant, name string) (*Stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s, ok := h.tenants[tenant][name]
	return s, ok
}

// remove unregisters a Stream and returns it
func (h *streamHub) remove(tenant, name string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	streams, ok := h.tenants[tenant]
	if !ok {
		return nil, false
	}
	s, ok := streams[name]
	if !ok {
		return nil, false
	}
	delete(streams, name)
	if len(streams) == 0 {
		delete(h.tenants, tenant)
	}
	return s, true
}

// streams returns the Streams of one tenant, or of every tenant when tenant
// is empty, ordered by tenant and then name
func (h *streamHub) streams(tenant string) []*Stream {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var res []*Stream
	for t, streams := range h.tenants {
		if tenant != "" && t != tenant {
			continue
		}
		for _, s := range streams {
			res = append(res, s)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].tenant != res[j].tenant {
			return res[i].tenant < res[j].tenant
		}
		return res[i].name < res[j].name
	})
	return res
}
