// Package realtime keeps the local entity cache in sync with the dashboard
// relay.
//
// A Service holds one WebSocket connection per configured relay endpoint.
// Updates sent while no connection is open wait in an in-memory queue and
// are written, oldest first, as soon as a connection comes up. Updates that
// reach no connection at all end up in the offline ledger, which is
// replayed over HTTP on a fixed interval.
//
// Every update, sent or received, is applied to the local cache and then
// handed to subscribers in registration order:
//
//	svc, err := realtime.New(c, l, cfg)
//	if err != nil {
//		return err
//	}
//	unsubscribe := svc.Subscribe(func(env *envelope.UpdateEnvelope) {
//		fmt.Println(env)
//	})
//	defer unsubscribe()
//
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	defer svc.Stop()
//
// A panicking subscriber is logged and skipped. The remaining subscribers
// still run.
package realtime
