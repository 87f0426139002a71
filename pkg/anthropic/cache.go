package anthropic

// BuildCachedSystemBlocks splits a system prompt into a stable prefix, which
// gets a cache breakpoint, and a per-call suffix. Prompts reused across
// iterations of a session hit the warm cache on the prefix.
func BuildCachedSystemBlocks(stable, variable, ttl string) []SystemBlock {
	var blocks []SystemBlock
	if stable != "" {
		blocks = append(blocks, SystemBlock{Text: stable, CacheControl: &CacheControl{TTL: ttl}})
	}
	if variable != "" {
		blocks = append(blocks, SystemBlock{Text: variable})
	}
	return blocks
}
