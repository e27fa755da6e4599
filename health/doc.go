// Package health reports the readiness of the page cache service.
//
// A Checker inspects one component and returns a Result. The Aggregator
// runs every registered checker under a shared deadline and folds the
// results into one Status: any unhealthy component makes the service
// unhealthy, any degraded one makes it degraded.
//
// Component checkers are provided for the response cache backend, the
// object repository, the background message bus and the Go runtime heap.
//
//	agg := health.NewAggregator()
//	agg.Register(health.NewCacheChecker(responseCache))
//	agg.Register(health.NewStoreChecker("objects", repo))
//	agg.Register(health.NewQueueChecker(bus, 256))
//	health.RegisterHandlers(mux, agg)
//
// The handlers serve /healthz (liveness, always OK), /readyz (plain text
// verdict) and /health (JSON detail per component).
package health
