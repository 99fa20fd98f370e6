/*
Package metrics exposes Prometheus metrics for statesocket.

All collectors are package variables registered with the default registry
at init. Observer plugs them into a session.Manager:

	mgr, err := session.New(ctx, session.Options[State]{
		Observer: metrics.Observer{},
		...
	})

and Handler serves them:

	router.Handle("/metrics", metrics.Handler())

Timer measures latencies:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.APIRequestDuration, route, method)
*/
package metrics
