// Package client is the Go SDK for the auditchain ledger service.
//
// Domain services use it to record audit events; operators and dashboards
// use it to verify the chain, look for tampering and trigger repairs.
//
// # Recording events
//
//	c, err := client.New("http://localhost:8080", client.WithIngestKey(os.Getenv("AUDIT_INGEST_KEY")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	block, err := c.Append(ctx, client.Event{
//	    Action:   "student.create",
//	    ActorID:  "admin-1",
//	    Entity:   "student",
//	    EntityID: "stu-42",
//	    Payload:  map[string]any{"name": "Ada"},
//	})
//
// Append returns only once the block is durable. A non-nil error means the
// event was not logged and the caller must decide how to proceed.
//
// # Verification and repair
//
//	v, err := c.Verify(ctx)
//	if err == nil && !v.Valid {
//	    log.Printf("chain broken at block %d", *v.TamperedAt)
//	}
//
// Repair endpoints need an admin token. Exchange the admin secret once and
// attach the token:
//
//	tok, err := c.AdminToken(ctx, secret)
//	c, _ = client.New(base, client.WithBearerToken(tok.AccessToken))
//	report, err := c.AutoRepair(ctx)
package client
