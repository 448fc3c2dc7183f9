package chunk

import "github.com/poolnet/poolnet/pkg/config"

// CacheChunkNumber maps a transport chunk number to its cache chunk.
func CacheChunkNumber(chunkNumber uint64) uint64 {
	return chunkNumber / config.CacheChunkToChunkFactor
}

// FirstChunkOfCacheChunk returns the first transport chunk of a cache chunk.
func FirstChunkOfCacheChunk(cacheChunkNumber uint64) uint64 {
	return cacheChunkNumber * config.CacheChunkToChunkFactor
}

// CacheChunkPartnerIntPath assigns a cache chunk to one of the three partner paths.
func CacheChunkPartnerIntPath(cacheChunkNumber uint64) uint32 {
	return uint32(cacheChunkNumber % 3)
}

// PartnerIntPath assigns a transport chunk to one of the three partner paths.
func PartnerIntPath(chunkNumber uint64) uint32 {
	return CacheChunkPartnerIntPath(CacheChunkNumber(chunkNumber))
}

// TotalChunks returns how many transport chunks a file of totalSize bytes spans.
func TotalChunks(totalSize uint64) uint64 {
	return (totalSize + config.ChunkSize - 1) / config.ChunkSize
}
