// Package testutil provides test doubles for code driving the plugin
// contract.
//
// CallLog.Descriptor yields a module.Descriptor whose RecorderModule
// instances append every Configure, SubscribeSet, PublishSet, Start, Stop and
// Destroy call to one shared, ordered log. Failures are injected per method:
//
//	log := testutil.NewCallLog()
//	reg := module.NewRegistry()
//	_ = reg.Register("B", "", "1", log.Descriptor("B", func(r *testutil.RecorderModule) {
//		r.FailOn("Start", errors.New("no camera"))
//	}))
//
// FlowDoc and ChainFlow build flow documents for the same tests.
package testutil
