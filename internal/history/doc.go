// Package history persists supply transitions to SQLite.
//
// Store is the synchronous repository over the supply_transitions table;
// Recorder puts it behind a queue so it can be handed to drivers as their
// powersupply.TransitionRecorder:
//
//	store := history.NewStore(db.DB)
//	rec := history.NewRecorder(store, log, cfg.GetHistoryRetention())
//	rec.Start(ctx)
//	defer rec.Stop()
package history
