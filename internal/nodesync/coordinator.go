package nodesync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blikh/proxyfleet/internal/abuse"
	"github.com/blikh/proxyfleet/internal/ledger"
	"github.com/blikh/proxyfleet/internal/metrics"
	"github.com/blikh/proxyfleet/internal/proxyconf"
	"github.com/blikh/proxyfleet/internal/service"
)

// Coordinator drives outbound sync: it pushes this node's ledgers to every
// enabled server peer and mirrors remote client lists into local inbounds
// marked with a remote node id. Peer failures are logged and skipped; one
// dead peer never blocks the round.
type Coordinator struct {
	store       *ledger.Store
	mutator     *proxyconf.Mutator
	nodeID      string
	peerTimeout time.Duration
	logTimeout  time.Duration
	restart     *service.RestartSignal
	logger      *slog.Logger
}

func NewCoordinator(
	store *ledger.Store,
	mutator *proxyconf.Mutator,
	nodeID string,
	peerTimeout, logTimeout time.Duration,
	restart *service.RestartSignal,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:       store,
		mutator:     mutator,
		nodeID:      nodeID,
		peerTimeout: peerTimeout,
		logTimeout:  logTimeout,
		restart:     restart,
		logger:      logger,
	}
}

// Run performs one sync round: ledger pushes to peers, then inbound
// mirroring.
func (c *Coordinator) Run(ctx context.Context) error {
	nodes := ledger.ServerNodes{}
	if err := c.store.Get(ledger.KeyServerNodes, &nodes); err != nil {
		return err
	}

	txs := ledger.Transactions{}
	if err := c.store.Get(ledger.KeyTransactions, &txs); err != nil {
		return err
	}
	usages := ledger.UserUsages{}
	if err := c.store.Get(ledger.KeyUserUsages, &usages); err != nil {
		return err
	}
	traffic := ledger.TrafficUsages{}
	if err := c.store.Get(ledger.KeyTrafficUsages, &traffic); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	changed := false

	for _, node := range nodes {
		if node.Disabled || node.Type != ledger.NodeTypeServer || !node.SyncLedgers {
			continue
		}
		wg.Add(1)
		go func(node *ledger.ServerNode) {
			defer wg.Done()
			if err := c.pushTo(ctx, node, txs, usages, traffic); err != nil {
				metrics.SyncPeerErrors.WithLabelValues(node.ID).Inc()
				c.logger.Warn("sync push failed", "node", node.ID, "err", err)
				return
			}
			mu.Lock()
			node.LastSyncDate = time.Now()
			changed = true
			mu.Unlock()
		}(node)
	}
	wg.Wait()

	if changed {
		if err := c.store.Put(ledger.KeyServerNodes, nodes); err != nil {
			return err
		}
	}

	return c.mirrorInbounds(ctx, nodes)
}

func (c *Coordinator) pushTo(ctx context.Context, node *ledger.ServerNode, txs ledger.Transactions, usages ledger.UserUsages, traffic ledger.TrafficUsages) error {
	cl := NewClient(node.Address, node.APIKey, c.nodeID, c.peerTimeout)

	counts, err := cl.PushTransactions(ctx, txs)
	if err != nil {
		return err
	}
	metrics.SyncRecords.WithLabelValues("inserted").Add(float64(counts.Inserted))
	metrics.SyncRecords.WithLabelValues("removed").Add(float64(counts.Removed))
	metrics.SyncRecords.WithLabelValues("modified").Add(float64(counts.Modified))

	if err := cl.PushUsages(ctx, usages); err != nil {
		return err
	}
	return cl.PushTraffic(ctx, traffic)
}

// mirrorInbounds reconciles each mirrored inbound's client list against the
// owning peer: active remote clients are added, locals the peer no longer
// lists (or has deactivated) are removed.
func (c *Coordinator) mirrorInbounds(ctx context.Context, nodes ledger.ServerNodes) error {
	cfg, err := c.mutator.Load()
	if err != nil {
		return err
	}

	changed := false
	for i := range cfg.Inbounds {
		in := &cfg.Inbounds[i]
		if in.RemoteNodeID == "" {
			continue
		}
		node := nodes.Find(in.RemoteNodeID)
		if node == nil || node.Disabled {
			continue
		}

		cl := NewClient(node.Address, node.APIKey, c.nodeID, c.peerTimeout)
		remote, err := cl.Clients(ctx, in.Tag)
		if err != nil {
			metrics.SyncPeerErrors.WithLabelValues(node.ID).Inc()
			c.logger.Warn("mirror pull failed", "node", node.ID, "tag", in.Tag, "err", err)
			continue
		}

		active := make(map[string]proxyconf.Client, len(remote))
		for _, rc := range remote {
			if rc.Active() {
				active[rc.Email] = rc
			}
		}

		kept := in.Settings.Clients[:0]
		for _, local := range in.Settings.Clients {
			if _, ok := active[local.Email]; ok {
				kept = append(kept, local)
				delete(active, local.Email)
			} else {
				changed = true
				c.logger.Info("mirrored client removed", "user", local.Email, "tag", in.Tag)
			}
		}
		for _, rc := range active {
			kept = append(kept, rc)
			changed = true
			c.logger.Info("mirrored client added", "user", rc.Email, "tag", in.Tag)
		}
		in.Settings.Clients = kept
	}

	if !changed {
		return nil
	}
	if err := c.mutator.Save(cfg); err != nil {
		return err
	}
	c.restart.Set()
	return nil
}

// Collect fans out to every log-sharing peer and gathers their recent hits.
// Per-peer failures are logged and skipped.
func (c *Coordinator) Collect(ctx context.Context, window time.Duration) []abuse.Hit {
	nodes := ledger.ServerNodes{}
	if err := c.store.Get(ledger.KeyServerNodes, &nodes); err != nil {
		c.logger.Warn("loading nodes for log collection", "err", err)
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var hits []abuse.Hit

	for _, node := range nodes {
		if node.Disabled || !node.ShareLogs {
			continue
		}
		wg.Add(1)
		go func(node *ledger.ServerNode) {
			defer wg.Done()
			cl := NewClient(node.Address, node.APIKey, c.nodeID, c.logTimeout)
			remote, err := cl.CollectLogs(ctx, window)
			if err != nil {
				metrics.SyncPeerErrors.WithLabelValues(node.ID).Inc()
				c.logger.Warn("log collection failed", "node", node.ID, "err", err)
				return
			}
			mu.Lock()
			hits = append(hits, remote...)
			mu.Unlock()
		}(node)
	}
	wg.Wait()
	return hits
}
