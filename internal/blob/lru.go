package blob

import (
	"container/list"
	"sync"
)

// memLRU is a bounded LRU of decompressed blob bytes kept above the store
// so repeated Get calls for hot blobs (a widely-forked parent manifest's
// base layer, say) skip the local-tier read and codec decode entirely.
type memLRU struct {
	mu        sync.Mutex
	maxBytes  int64
	curBytes  int64
	ll        *list.List
	items     map[string]*list.Element
}

type memLRUEntry struct {
	digest string
	data   []byte
}

func newMemLRU(maxBytes int64) *memLRU {
	return &memLRU{
		maxBytes: maxBytes,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *memLRU) get(digest string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[digest]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*memLRUEntry).data, true
}

func (c *memLRU) put(digest string, data []byte) {
	if c.maxBytes <= 0 || int64(len(data)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[digest]; ok {
		c.ll.MoveToFront(el)
		old := el.Value.(*memLRUEntry)
		c.curBytes += int64(len(data)) - int64(len(old.data))
		old.data = data
	} else {
		el := c.ll.PushFront(&memLRUEntry{digest: digest, data: data})
		c.items[digest] = el
		c.curBytes += int64(len(data))
	}

	for c.curBytes > c.maxBytes {
		back := c.ll.Back()
		if back == nil {
			break
		}
		entry := back.Value.(*memLRUEntry)
		c.ll.Remove(back)
		delete(c.items, entry.digest)
		c.curBytes -= int64(len(entry.data))
	}
}

func (c *memLRU) remove(digest string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[digest]; ok {
		c.ll.Remove(el)
		delete(c.items, digest)
		c.curBytes -= int64(len(el.Value.(*memLRUEntry).data))
	}
}
