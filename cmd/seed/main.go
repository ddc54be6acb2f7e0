// cmd/seed appends a realistic school activity trail to a running auditd for development.
//
// Running twice appends the trail again; the ledger is append-only. To start
// over, stop auditd and remove its store (data/ledger for LevelDB, or
// TRUNCATE audit_blocks for Postgres).
//
// Usage:
//
//	go run ./cmd/seed
//	AUDITD_URL=http://localhost:8080 INGEST_KEY=... go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/auditchain/pkg/client"
)

const defaultURL = "http://localhost:8080"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	base := os.Getenv("AUDITD_URL")
	if base == "" {
		base = defaultURL
	}

	c, err := client.New(base, client.WithIngestKey(os.Getenv("INGEST_KEY")))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("seeding %s\n", base)
	for _, ev := range events() {
		b, err := c.Append(ctx, ev)
		if err != nil {
			return fmt.Errorf("append %s: %w", ev.Action, err)
		}
		fmt.Printf("  #%-4d %-22s %-12s %s\n", b.Index, ev.Action, ev.ActorID, b.Hash[:12])
	}

	v, err := c.Verify(ctx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	fmt.Printf("\nseed complete: %d blocks, chain %s\n", v.Checked, v.Status)
	return nil
}

// ── Events ───────────────────────────────────────────────────────────────────

// seedNS keeps generated entity IDs stable across runs.
var seedNS = uuid.MustParse("6f1c1b52-8a0e-4a57-9d3b-1f43c0a1e7d2")

func entityID(kind, name string) string {
	return uuid.NewSHA1(seedNS, []byte(kind+"/"+name)).String()
}

func events() []client.Event {
	var out []client.Event

	students := []struct{ name, grade string }{
		{"Ada Lovelace", "9"},
		{"Grace Hopper", "10"},
		{"Alan Turing", "11"},
		{"Katherine Johnson", "12"},
	}
	for _, s := range students {
		out = append(out, client.Event{
			Action:   "student.create",
			ActorID:  "admin-1",
			Entity:   "student",
			EntityID: entityID("student", s.name),
			Payload:  map[string]any{"name": s.name, "grade": s.grade},
		})
	}

	classes := []struct{ title, teacher string }{
		{"Physics", "teacher-3"},
		{"Algebra II", "teacher-7"},
	}
	for _, cl := range classes {
		out = append(out, client.Event{
			Action:   "class.create",
			ActorID:  cl.teacher,
			Entity:   "class",
			EntityID: entityID("class", cl.title),
			Payload:  map[string]any{"title": cl.title, "room": "B-" + cl.teacher[len(cl.teacher)-1:]},
		})
	}

	for i, s := range students {
		cl := classes[i%len(classes)]
		out = append(out, client.Event{
			Action:   "enrollment.create",
			ActorID:  "registrar-1",
			Entity:   "enrollment",
			EntityID: entityID("enrollment", s.name+"/"+cl.title),
			Payload: map[string]any{
				"studentId": entityID("student", s.name),
				"classId":   entityID("class", cl.title),
			},
		})
	}

	for i, s := range students {
		cl := classes[i%len(classes)]
		out = append(out, client.Event{
			Action:   "attendance.mark",
			ActorID:  cl.teacher,
			Entity:   "attendance",
			EntityID: entityID("attendance", s.name+"/2026-09-01"),
			Payload:  map[string]any{"studentId": entityID("student", s.name), "date": "2026-09-01", "present": i != 2},
		})
	}

	out = append(out,
		client.Event{
			Action:   "assignment.grade",
			ActorID:  "teacher-3",
			Entity:   "assignment",
			EntityID: entityID("assignment", "physics-lab-1"),
			Payload:  map[string]any{"studentId": entityID("student", "Ada Lovelace"), "score": 94.5, "maxScore": 100},
		},
		client.Event{
			Action:   "assignment.grade",
			ActorID:  "teacher-7",
			Entity:   "assignment",
			EntityID: entityID("assignment", "algebra-quiz-2"),
			Payload:  map[string]any{"studentId": entityID("student", "Grace Hopper"), "score": 88, "maxScore": 100},
		},
		client.Event{
			Action:   "student.update",
			ActorID:  "admin-1",
			Entity:   "student",
			EntityID: entityID("student", "Alan Turing"),
			Payload:  map[string]any{"guardianPhone": "+1-555-0142"},
		},
	)
	return out
}
