/*
Package domain contains the core entities of the service-selection engine.

ServiceInstance is the central entity: a registered backend of a logical
service carrying its routing weight and runtime load counters. Connection and
request counters use atomic operations; the mutable routing state (weight,
smoothed response time, enabled flag) is guarded by a small mutex.

	instance := domain.NewServiceInstance(descriptor, 100)
	if instance.Eligible() {
		// instance may receive traffic
	}

BalancingRule binds a service-name pattern to one of the nine selection
algorithms and a sticky-session policy. Rules are matched in registration
order by the rules package; when nothing matches, DefaultRule applies
round-robin with sticky sessions disabled.

The package is free of infrastructure concerns so the selection logic stays
independently testable.
*/
package domain
