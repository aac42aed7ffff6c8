// Package command implements remote command dispatch and delivery for
// Fleet Core.
//
// A request to run one command on N devices becomes N Command records, one
// per eligible device. Each record is pushed to its device at once if the
// device has a live channel, and otherwise waits PENDING until the device
// connects or the Sweeper gives up on it.
//
// # Lifecycle
//
//	PENDING --push--> SENT --result--> EXECUTED | FAILED
//	PENDING --cancel--> CANCELLED
//	PENDING --unreachable timeout--> FAILED
//	FAILED --bulk retry--> PENDING
//
// Every change is a conditional update on the current status, written in
// the same transaction as its audit event. Racing writers on one record
// resolve to a single winner; the others get ErrConflict.
//
// # Key Types
//
//   - Service: intake, result handling, cancel, bulk, stats and connection events
//   - Dispatcher: best-effort push of a PENDING command to its device channel
//   - Sweeper: periodic, non-overlapping retry and timeout pass
//   - Connections: device id to Channel map shared with the transports
//   - Repository: the command store, implemented on SQLite
//
// # Usage
//
//	svc, err := command.NewService(command.Deps{
//	    Repo:    command.NewSQLiteRepository(db.DB, events),
//	    Devices: registry,
//	    Events:  events,
//	})
//	go command.NewSweeper(svc, 30*time.Second).Run(ctx)
//
//	res, err := svc.CreateCommands(ctx, command.CreateRequest{
//	    DeviceIDs: []string{"dev-1", "dev-2"},
//	    Type:      command.TypeLockDevice,
//	})
package command
