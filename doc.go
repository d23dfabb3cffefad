// Package inbox keeps a signed-in user's message view consistent with a
// shared record store and handles attachment and avatar uploads.
//
// Messages are one-to-one: every row has a sender and a recipient, and a
// user sees every row they are party to. Storage is pluggable through the
// interfaces in package store (memory, PostgreSQL, MongoDB for rows;
// memory, S3, GCS for files).
//
// # Basic Usage
//
//	records := memory.New()
//	attachments := inbox.NewUploader(memory.NewBlobStore("message-attachments"),
//	    inbox.WithMaxSize(10<<20),
//	)
//
//	svc, err := inbox.NewService(
//	    inbox.WithStore(records),
//	    inbox.WithChangeFeed(records.Feed()),
//	    inbox.WithAttachmentUploader(attachments),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	sync := svc.NewSync()
//	if err := sync.Begin(ctx, inbox.Session{UserID: "teacher-1"}); err != nil {
//	    log.Fatal(err)
//	}
//	defer sync.End()
//
//	res, err := sync.Send(ctx, inbox.SendRequest{
//	    RecipientID: "parent-7",
//	    Subject:     "Field trip",
//	    Content:     "Permission slips are due Friday.",
//	})
//
// # Consistency
//
// A Sync applies a mutation to its view only after the store confirms it.
// Change notifications from the configured store.ChangeFeed then trigger a
// Reconciler (a full refetch by default) so the view converges on the
// store. Concurrent notifications are coalesced.
//
// # Notices
//
// Every operation returns its error and also reports the outcome to a
// Reporter as a Notice, the user-facing transient notification. The
// default reporter logs.
//
// # Events
//
// Each Service owns an event bus with MessageSent, MessageRead,
// MessageDeleted and AttachmentUploaded events. Publishing is best-effort
// unless WithEventErrorsFatal is set.
package inbox
