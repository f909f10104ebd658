// Package fetcher composes crawler.PageFetcher implementations. The decorators
// here add headless promotion, retries and per-host pacing around the plain
// fetchers in the colly and headless subpackages.
package fetcher
