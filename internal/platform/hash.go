package platform

import "hash/fnv"

// Hash32 returns the FNV-1a 32-bit hash of s. The choice of hash is a
// compatibility contract: shard assignment of existing workflows depends on
// it, so it must never change for a deployed cluster.
func Hash32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// ShardID maps a workflow ID onto one of shardCount shards.
func ShardID(workflowID string, shardCount int) int {
	return int(Hash32(workflowID) % uint32(shardCount))
}

// PartitionHash maps a task queue name onto one of partitionCount partitions.
func PartitionHash(queueName string, partitionCount int) int {
	return int(Hash32(queueName) % uint32(partitionCount))
}
