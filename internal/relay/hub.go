package relay

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
)

// hub tracks connected clients by connection id, and which of them have
// authenticated as administrators.
type hub struct {
	mu sync.RWMutex

	clients map[string]*client
	admins  map[string]*client
}

func newHub() *hub {
	return &hub{
		clients: make(map[string]*client),
		admins:  make(map[string]*client),
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
	delete(h.admins, c.id)
}

func (h *hub) get(id string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *hub) setAdmin(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.admins[c.id] = c
}

func (h *hub) isAdmin(c *client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.admins[c.id]
	return ok
}

// broadcastAdmins sends msg to every authenticated administrator.
func (h *hub) broadcastAdmins(msg outbound) {

	data, err := json.Marshal(msg)
	if err != nil {
		log.WithField("error", err.Error()).Error("marshalling admin broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.admins {
		c.sendRaw(data)
	}
}
