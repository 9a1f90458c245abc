// Package engine implements the Subscription Handle API, the public
// surface UI code calls.
//
// The engine composes the topic registry and the entity reconciliation
// store over one transport connection:
//
//	conn := transport.NewConn(cfg.TransportConfig(), logger)
//	fetcher := rest.NewClient(cfg.Server.RestURL, cfg.Server.APIKey)
//	eng := engine.New(engine.Config{Hydrate: cfg.Hydrate}, conn, fetcher, logger)
//	eng.Start(ctx)
//
//	h, _ := eng.Subscribe(model.MissionTopic("42"), func(rec store.Record) {
//		// render rec.Data
//	})
//	defer h.Unsubscribe()
//
// Envelopes for a single entity are processed in admission order;
// cross-entity ordering is not guaranteed and must not be assumed.
// Duplicate, stale, and malformed frames are absorbed internally; the
// only errors a handle ever sees are terminal connection failures.
package engine
