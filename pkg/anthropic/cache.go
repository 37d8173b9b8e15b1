package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. The gateway sends the same system prompt on every fan-out call,
// so after the first call the rest read it from cache. An empty ttl uses the
// API default of five minutes.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
