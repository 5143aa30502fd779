// Package ratelimit implements the fixed-window request limiter used by the
// security chain.
//
// A Limiter counts requests per key in windows aligned to multiples of the
// window length. Counting is delegated to a Store so a single process can use
// memorystore while a fleet of replicas shares redisstore counters.
//
//	lim, err := ratelimit.New(memorystore.New(), 100, time.Minute)
//	d, err := lim.Allow(ctx, clientIP)
//	if !d.Allowed {
//	    // answer 429 with d.RetryAfter
//	}
package ratelimit
