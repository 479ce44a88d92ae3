package headless

import "context"

// NoopUpstream satisfies Upstream for platforms whose market data arrives
// over the event bridge instead of a gateway poller. Ref counting still
// happens so bus wiring stays uniform across platforms.
type NoopUpstream struct{}

func (NoopUpstream) StartHeadless(ctx context.Context) error { return nil }

func (NoopUpstream) SubscribePrice(ctx context.Context, symbol string) error { return nil }

func (NoopUpstream) UnsubscribePrice(ctx context.Context, symbol string) error { return nil }

func (NoopUpstream) SubscribeCandles(ctx context.Context, s, tf string) error { return nil }

func (NoopUpstream) UnsubscribeCandles(ctx context.Context, s, tf string) error { return nil }
