/*
Package balancer implements the selection engine and its feedback loops.

Balancer is the orchestrator: it resolves the balancing rule for a service,
honors sticky sessions, dispatches one of nine selection algorithms over the
eligible instance set and applies the load accounting afterwards.

	b := balancer.New(balancer.DefaultSettings(), log)
	b.AddService(descriptor, 100)
	b.Start()

	instance, err := b.SelectService("billing", domain.SelectOptions{ClientIP: ip})
	if err != nil {
		// no eligible instances
	}
	defer b.ReleaseService(instance.ID(), elapsed, true)

Selection never propagates algorithm faults: a failing or panicking algorithm
degrades to the first eligible instance, and only an empty eligible set is a
caller-visible error.

AdaptiveController runs alongside the request path and periodically retunes
instance weights from the smoothed response times, clamped to the configured
bounds, rebuilding the affected consistent-hash rings when weights change.
*/
package balancer
