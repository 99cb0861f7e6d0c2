// Package api is the node's control plane: a Gin HTTP surface alongside the
// text-protocol data plane, for health checks, stats, static topology
// inspection, and the admin operations spec.md describes as managed
// externally (dyn_state transitions, per-node consistency defaults, and
// the ring join/leave an operator runs by hand since there is no
// gossip/membership subsystem).
package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"dynofabric/internal/core"
	"dynofabric/internal/engine"
	"dynofabric/internal/router"
	"dynofabric/internal/stats"
	"dynofabric/internal/topology"
)

// PeerManager is the subset of the node runtime's peer-connection
// bookkeeping the control plane needs, kept as an interface so handlers.go
// never imports cmd/dynode and peerconn.Link stays a cmd-level concern.
type PeerManager interface {
	ConnectPeer(id, addr string) error
	DisconnectPeer(id string) error
}

// Handler holds every dependency the control-plane routes read or mutate.
type Handler struct {
	dispatcher *engine.Dispatcher
	router     *router.Router
	pool       *topology.Pool
	counters   *stats.Counters
	latency    *stats.Histogram
	peers      PeerManager
	selfID     string
}

// NewHandler builds a Handler. peers may be nil, in which case /cluster/join
// and /cluster/leave report 501 — a node can still serve its statically
// configured topology without ever being told to grow it live.
func NewHandler(rt *router.Router, d *engine.Dispatcher, pool *topology.Pool, counters *stats.Counters, latency *stats.Histogram, peers PeerManager, selfID string) *Handler {
	return &Handler{dispatcher: d, router: rt, pool: pool, counters: counters, latency: latency, peers: peers, selfID: selfID}
}

// Register mounts every control-plane route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)

	clusterGroup := r.Group("/cluster")
	clusterGroup.GET("/nodes", h.ListNodes)
	clusterGroup.POST("/join", h.Join)
	clusterGroup.POST("/leave", h.Leave)

	admin := r.Group("/admin")
	admin.POST("/state", h.SetState)
	admin.POST("/consistency", h.SetConsistency)
}

// Health reports this node's identity, topology coordinates, and dyn_state.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"id":         h.selfID,
		"dc":         h.pool.LocalDC,
		"rack":       h.pool.LocalRack,
		"state":      stateName(h.router.State),
		"admin_mode": h.pool.AdminMode,
	})
}

// Stats dumps the counters and latency histogram every response path
// updates in passing.
func (h *Handler) Stats(c *gin.Context) {
	buckets, total, meanMicros := h.latency.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"keys":                    h.dispatcher.Storage.KeyCount(),
		"peer_responses":          h.counters.PeerResponses.Load(),
		"client_dropped_requests": h.counters.ClientDroppedRequests.Load(),
		"quorum_mismatches":       h.counters.QuorumMismatches.Load(),
		"timeouts":                h.counters.Timeouts.Load(),
		"routing_errors":          h.counters.RoutingErrors.Load(),
		"latency": gin.H{
			"buckets_us": buckets,
			"total":      total,
			"mean_us":    meanMicros,
		},
	})
}

type nodeInfo struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	DC        string `json:"dc"`
	Rack      string `json:"rack"`
	Local     bool   `json:"local"`
	Connected bool   `json:"connected"`
}

// ListNodes dumps the statically configured dc/rack/peer tree, annotating
// which peer is this node and which peers currently have a live outbound
// connection.
func (h *Handler) ListNodes(c *gin.Context) {
	var nodes []nodeInfo
	for _, dc := range h.pool.Datacenters {
		for _, rack := range dc.Racks {
			for _, p := range rack.Peers {
				_, connected := h.dispatcher.PeerConn(p.ID)
				nodes = append(nodes, nodeInfo{
					ID:        p.ID,
					Addr:      p.Addr,
					DC:        dc.Name,
					Rack:      rack.Name,
					Local:     h.pool.IsLocal(p),
					Connected: connected || h.pool.IsLocal(p),
				})
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

// Join dials a new peer and registers it with the live dispatcher. The
// static topology file is not rewritten — this only affects the current
// process's connections, mirroring an operator bringing a replacement
// node online in a rack the topology file already describes.
func (h *Handler) Join(c *gin.Context) {
	var body struct {
		ID   string `json:"id" binding:"required"`
		Addr string `json:"addr" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.peers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no peer manager configured"})
		return
	}
	if err := h.peers.ConnectPeer(body.ID, body.Addr); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"joined": body.ID})
}

// Leave tears down a peer's live connection.
func (h *Handler) Leave(c *gin.Context) {
	var body struct {
		ID string `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.peers == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no peer manager configured"})
		return
	}
	if err := h.peers.DisconnectPeer(body.ID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": body.ID})
}

func stateName(s router.DynState) string {
	switch s {
	case router.Normal:
		return "NORMAL"
	case router.Standby:
		return "STANDBY"
	case router.WritesOnly:
		return "WRITES_ONLY"
	case router.Resuming:
		return "RESUMING"
	default:
		return "UNKNOWN"
	}
}

// SetState drives the router's dyn_state machine. There is no transition
// validation here (e.g. requiring RESUMING between WRITES_ONLY and NORMAL)
// because spec.md leaves transition sequencing to the operator/tool
// driving this endpoint, not the node itself.
func (h *Handler) SetState(c *gin.Context) {
	var body struct {
		State string `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch body.State {
	case "NORMAL":
		h.router.State = router.Normal
	case "STANDBY":
		h.router.State = router.Standby
	case "WRITES_ONLY":
		h.router.State = router.WritesOnly
	case "RESUMING":
		h.router.State = router.Resuming
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown state %q", body.State)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": body.State})
}

// SetConsistency flips the router's default read or write consistency for
// connections accepted from now on — the HTTP mirror of the CONFIG
// read|write text command, which only ever affects the one connection
// that issued it.
func (h *Handler) SetConsistency(c *gin.Context) {
	var body struct {
		Target string `json:"target" binding:"required"` // "read" or "write"
		Level  string `json:"level" binding:"required"`   // "LOCAL_ONE" or "LOCAL_QUORUM"
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var level core.Consistency
	switch body.Level {
	case "LOCAL_ONE":
		level = core.LocalOne
	case "LOCAL_QUORUM":
		level = core.LocalQuorum
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown level %q", body.Level)})
		return
	}

	switch body.Target {
	case "read":
		h.router.DefaultReadConsistency = level
	case "write":
		h.router.DefaultWriteConsistency = level
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown target %q", body.Target)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"target": body.Target, "level": body.Level})
}
