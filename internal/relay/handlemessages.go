package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/livewatch/relay/internal/feed"
	"github.com/livewatch/relay/internal/ledger"
	"github.com/livewatch/relay/internal/registry"
)

// handleRequest dispatches one inbound message. Runs on the client's read
// pump goroutine, so requests from one connection are handled in order.
func (r *Relay) handleRequest(c *client, req request) {

	switch req.Type {

	case "start_monitoring":
		if req.Target == "" {
			// an empty target is ignored, not an error
			return
		}
		// number the request here so a later request always supersedes an
		// earlier in-flight open
		seq := atomic.AddUint64(&c.reqSeq, 1)
		go r.startMonitoring(c, req.Target, seq)

	case "admin_login":
		r.adminLogin(c, req.Password)

	case "admin_toggle_block":
		if !r.hub.isAdmin(c) {
			log.WithFields(log.Fields{"connection_id": c.id, "identity": c.identity}).Warn("admin_toggle_block from unauthenticated connection")
			return
		}
		go r.toggleBlock(req.Identity)

	default:
		log.WithFields(log.Fields{"connection_id": c.id, "type": req.Type}).Warn("ignoring unknown request type")
	}
}

// startMonitoring runs the access check and upstream open for one monitoring
// request, then installs the session unless a newer request or a teardown has
// superseded it.
func (r *Relay) startMonitoring(c *client, target string, seq uint64) {

	ctx, cancel := context.WithTimeout(context.Background(), r.dialTimeout())
	defer cancel()

	decision := r.ledger.CheckAccess(ctx, c.identity)

	if decision != ledger.Allowed {
		r.metrics.accessDenied.WithLabelValues(decision.String()).Inc()
		c.sendMsg(outbound{Type: "connection_status", Payload: denialStatus(decision)})
		log.WithFields(log.Fields{"identity": c.identity, "target": target, "decision": decision.String()}).Info("monitoring request denied")
		return
	}

	// the subscriber is switching targets: tear down any prior session for
	// this connection before the open, unless a newer request got here first
	var prev *registry.Session

	c.installMu.Lock()
	if atomic.LoadUint64(&c.reqSeq) != seq || c.isClosed() {
		c.installMu.Unlock()
		return
	}
	prev, _ = r.sessions.Remove(c.id)
	c.installMu.Unlock()

	if prev != nil {
		prev.Handle.Close()
		r.metrics.sessionsActive.Set(float64(r.sessions.Count()))
	}

	sess := &registry.Session{
		ConnectionID: c.id,
		Identity:     c.identity,
		Target:       target,
		Stats:        registry.NewStats(time.Now()),
	}

	// the terminate callback needs the adapter for an ownership check, but
	// can fire before Open returns; installed gates it on the assignment
	installed := make(chan struct{})
	var a *feed.Adapter

	onEvent := func(ev feed.Event) {
		r.forward(c, sess, ev)
	}

	onTerminate := func(err error) {
		<-installed
		r.endSession(c, a, err)
	}

	a, err := feed.Open(ctx, r.dialer, target, onEvent, onTerminate)
	close(installed)

	if err != nil {
		r.metrics.upstreamFailures.Inc()
		c.sendMsg(outbound{Type: "connection_status", Payload: connectionStatus{
			Success: false,
			Msg:     "target is offline or does not exist",
			Debug:   err.Error(),
		}})
		log.WithFields(log.Fields{"identity": c.identity, "target": target, "error": err.Error()}).Info("upstream connect failed")
		if prev != nil {
			r.broadcastAdminList(context.Background())
		}
		return
	}

	// install atomically with respect to newer requests and client teardown:
	// the last request for a connection id always wins, even if an earlier
	// open resolves late
	c.installMu.Lock()

	if atomic.LoadUint64(&c.reqSeq) != seq || c.isClosed() {
		c.installMu.Unlock()
		a.Close()
		log.WithFields(log.Fields{"connection_id": c.id, "target": target}).Debug("discarding superseded open")
		return
	}

	sess.Handle = a
	sess.StartedAt = time.Now()
	displaced := r.sessions.Put(c.id, sess)

	c.installMu.Unlock()

	if displaced != nil {
		displaced.Handle.Close()
	}

	r.metrics.sessionsActive.Set(float64(r.sessions.Count()))

	c.sendMsg(outbound{Type: "connection_status", Payload: connectionStatus{Success: true}})

	log.WithFields(log.Fields{"connection_id": c.id, "identity": c.identity, "target": target}).Info("session started")

	r.broadcastAdminList(context.Background())
}

func denialStatus(decision ledger.Decision) connectionStatus {

	switch decision {
	case ledger.Blocked:
		return connectionStatus{Success: false, Msg: "identity is blocked"}
	case ledger.TrialExpired:
		return connectionStatus{Success: false, Msg: "trial period is over", IsTrialOver: true}
	default:
		return connectionStatus{Success: false, Msg: "service unavailable, try again later"}
	}
}

// forward relays one feed event to the owning subscriber only.
func (r *Relay) forward(c *client, sess *registry.Session, ev feed.Event) {

	var msg outbound

	switch ev.Type {
	case feed.EventChat:
		msg = outbound{Type: "server_new_chat", Payload: newChat{
			Username:   ev.Chat.SenderID,
			Comment:    ev.Chat.Text,
			ProfilePic: ev.Chat.AvatarURL,
		}}
	case feed.EventGift:
		msg = outbound{Type: "server_new_gift", Payload: newGift{
			Username: ev.Gift.SenderID,
			GiftName: ev.Gift.Name,
			Count:    ev.Gift.RepeatCount,
			GiftIcon: ev.Gift.Icon,
		}}
	case feed.EventViewers:
		sess.SetViewerCount(ev.Viewers.Count)
		msg = outbound{Type: "server_update_viewers", Payload: updateViewers{
			Count: ev.Viewers.Count,
		}}
	default:
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.WithFields(log.Fields{"connection_id": c.id, "error": err.Error()}).Error("marshalling feed event")
		return
	}

	c.sendRaw(data)
	sess.Stats.Add(len(data))
	r.metrics.eventsForwarded.WithLabelValues(string(ev.Type)).Inc()
}

// endSession reconciles an upstream termination: the session is removed only
// if this adapter still owns it (a replacement session for the same
// connection id is left alone).
func (r *Relay) endSession(c *client, a *feed.Adapter, err error) {

	removed := r.sessions.RemoveWhere(func(s *registry.Session) bool {
		return s.ConnectionID == c.id && s.Handle == a
	})

	if len(removed) == 0 {
		return
	}

	r.metrics.sessionsActive.Set(float64(r.sessions.Count()))

	msg := "stream ended"
	if err != nil {
		msg = "stream failed"
		log.WithFields(log.Fields{"connection_id": c.id, "error": err.Error()}).Info("upstream stream failed")
	}

	c.sendMsg(outbound{Type: "server_disconnected", Payload: disconnected{Msg: msg}})

	r.broadcastAdminList(context.Background())
}

// dropClient tears down a disconnected subscriber: its session (if any) is
// removed and the feed handle closed exactly once.
func (r *Relay) dropClient(c *client) {

	c.installMu.Lock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	sess, ok := r.sessions.Remove(c.id)
	c.installMu.Unlock()

	if ok {
		sess.Handle.Close()
		r.metrics.sessionsActive.Set(float64(r.sessions.Count()))
	}

	r.hub.remove(c)

	log.WithFields(log.Fields{"connection_id": c.id, "identity": c.identity}).Debug("subscriber disconnected")

	if ok {
		r.broadcastAdminList(context.Background())
	}
}

// adminLogin authenticates this connection as an administrator and sends it
// the current snapshot.
func (r *Relay) adminLogin(c *client, password string) {

	ok := r.config.AdminPassword != "" &&
		subtle.ConstantTimeCompare([]byte(password), []byte(r.config.AdminPassword)) == 1

	c.sendMsg(outbound{Type: "login_res", Payload: loginRes{Success: ok}})

	if !ok {
		log.WithFields(log.Fields{"connection_id": c.id, "identity": c.identity}).Warn("admin login failed")
		return
	}

	r.hub.setAdmin(c)

	c.sendMsg(outbound{Type: "admin_update_list", Payload: r.buildAdminList(context.Background())})

	log.WithField("connection_id", c.id).Info("admin logged in")
}

// toggleBlock flips the block flag for an identity and, when the new state
// is blocked, severs every active session held under it.
func (r *Relay) toggleBlock(identity string) {

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blocked, err := r.ledger.ToggleBlock(ctx, identity)

	if errors.Is(err, ledger.ErrNotFound) {
		log.WithField("identity", identity).Info("block toggle for unknown identity")
		return
	}
	if err != nil {
		log.WithFields(log.Fields{"identity": identity, "error": err.Error()}).Error("block toggle failed")
		return
	}

	log.WithFields(log.Fields{"identity": identity, "blocked": blocked}).Info("block toggled")

	if blocked {

		removed := r.sessions.RemoveWhere(func(s *registry.Session) bool {
			return s.Identity == identity
		})

		for _, sess := range removed {
			sess.Handle.Close()
			if owner, ok := r.hub.get(sess.ConnectionID); ok {
				owner.sendMsg(outbound{Type: "server_disconnected", Payload: disconnected{Msg: "identity blocked by administrator"}})
			}
		}

		if len(removed) > 0 {
			r.metrics.sessionsActive.Set(float64(r.sessions.Count()))
		}
	}

	r.broadcastAdminList(context.Background())
}

func (r *Relay) dialTimeout() time.Duration {
	if r.config.DialTimeout > 0 {
		return r.config.DialTimeout
	}
	return DefaultDialTimeout
}
