// Package base holds the bus plumbing shared by the reference modules.
//
// A module embeds *Base to get SubscribeSet, PublishSet and Publish for
// free, then supplies Configure, Start and Stop:
//
//	type Echo struct{ *base.Base }
//
//	func NewEcho(b bus.Bus) *Echo {
//	    e := &Echo{Base: base.New("echo", b, nil)}
//	    e.HandleWith(func(ctx context.Context, _ int, payload []byte) {
//	        _ = e.Publish(ctx, 0, payload)
//	    })
//	    return e
//	}
package base
