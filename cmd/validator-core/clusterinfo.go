package main

import (
	"github.com/lumenlabs/validator-core/internal/coretypes"
	"github.com/lumenlabs/validator-core/internal/log"
	"github.com/lumenlabs/validator-core/internal/voteauth"
)

// loggingClusterInfo is the replayloop.ClusterInfo fixture for a single-node
// development cluster: it does not actually gossip anything, it just logs every vote
// transmission this validator would otherwise push to its peers.
type loggingClusterInfo struct {
	identity coretypes.PublicKey
	log      *log.Logger
}

func newLoggingClusterInfo(identity coretypes.PublicKey, logger *log.Logger) *loggingClusterInfo {
	return &loggingClusterInfo{identity: identity, log: logger.Module("cluster-info")}
}

func (c *loggingClusterInfo) Identity() coretypes.PublicKey { return c.identity }

func (c *loggingClusterInfo) SendVote(tx voteauth.VoteTransaction, to coretypes.PublicKey) error {
	c.log.Debug("send_vote", "slot", uint64(tx.Slot), "to", to.String())
	return nil
}

func (c *loggingClusterInfo) PushVote(slots []coretypes.Slot, tx voteauth.VoteTransaction) error {
	c.log.Info("push_vote", "slot", uint64(tx.Slot), "hash", tx.Hash.Hex())
	return nil
}

func (c *loggingClusterInfo) RefreshVote(tx voteauth.VoteTransaction, slot coretypes.Slot) error {
	c.log.Info("refresh_vote", "slot", uint64(slot), "recent_blockhash", tx.RecentBlockhash.Hex())
	return nil
}
