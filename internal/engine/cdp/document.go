package cdp

import (
	"sync"

	"github.com/chromedp/cdproto/network"
)

// documentMeta remembers the first document response seen on the tab, which is
// the main frame once redirects have settled.
type documentMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newDocumentMeta() *documentMeta {
	return &documentMeta{}
}

func (m *documentMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		return
	}
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
}

func (m *documentMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *documentMeta) snapshot() (int, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.url
}
