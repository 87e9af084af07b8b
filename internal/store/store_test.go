package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"schemaflow/internal/db"
	"schemaflow/internal/domain"
	"schemaflow/internal/migrate"
	"schemaflow/internal/store"
)

func newStores(t *testing.T) map[string]store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return map[string]store.Store{
		"memory": store.NewMemory(),
		"sqlite": store.NewSQLite(conn),
	}
}

func sampleState(t *testing.T) domain.PendingApproval {
	t.Helper()
	req := domain.Requirements{
		Entities: []domain.Entity{{Name: "User", Description: "application user"}},
		Relationships: []domain.Relationship{
			{From: "User", To: "Organization", Type: "many-to-many", Through: "Membership"},
		},
		Assumptions: []string{"multi-tenant"},
		OutOfScope:  []string{"billing"},
	}
	design := domain.SchemaDesign{
		Tables: []domain.Table{{
			Name: "users",
			Columns: []domain.Column{
				{Name: "id", Type: "UUID", Constraints: []string{"PRIMARY KEY"}},
			},
		}},
		NormalizationLevel: "3NF",
		DesignRationale:    []string{"users table follows 3NF"},
		SQLSchema:          "CREATE TABLE users (id UUID PRIMARY KEY);",
	}
	review := domain.RiskReview{
		Assessment:       "acceptable",
		Issues:           []string{"no index on users.email"},
		RiskLevel:        domain.RiskMedium,
		ApprovalRequired: true,
	}
	return domain.PendingApproval{
		Prompt:           "Set up backend for a SaaS app",
		Language:         "python",
		RequirementsJSON: mustJSON(t, req),
		DesignJSON:       mustJSON(t, design),
		ReviewJSON:       mustJSON(t, review),
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestCreateGetRoundTrip(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleState(t)
			token, err := s.Create(ctx, want)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if token == "" {
				t.Fatalf("expected non-empty token")
			}
			got, err := s.Get(ctx, token)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Prompt != want.Prompt || got.Language != want.Language {
				t.Fatalf("prompt/language mismatch: %+v", got)
			}
			// Serialized artifacts must rehydrate bit-identical.
			if got.RequirementsJSON != want.RequirementsJSON ||
				got.DesignJSON != want.DesignJSON ||
				got.ReviewJSON != want.ReviewJSON {
				t.Fatalf("artifact JSON mutated in round trip")
			}
			var rehydrated domain.SchemaDesign
			if err := json.Unmarshal([]byte(got.DesignJSON), &rehydrated); err != nil {
				t.Fatalf("rehydrate design: %v", err)
			}
			if rehydrated.NormalizationLevel != "3NF" {
				t.Fatalf("unexpected normalization level %q", rehydrated.NormalizationLevel)
			}
		})
	}
}

func TestTokenUniqueness(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			t1, err := s.Create(ctx, sampleState(t))
			if err != nil {
				t.Fatal(err)
			}
			t2, err := s.Create(ctx, sampleState(t))
			if err != nil {
				t.Fatal(err)
			}
			if t1 == t2 {
				t.Fatalf("expected distinct tokens, got %s twice", t1)
			}
		})
	}
}

func TestConsumeOnce(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := s.Create(ctx, sampleState(t))
			if err != nil {
				t.Fatal(err)
			}
			if err := s.RecordDecision(ctx, token, domain.ApprovalDecision{Approved: true}); err != nil {
				t.Fatalf("record decision: %v", err)
			}
			if _, err := s.Consume(ctx, token); err != nil {
				t.Fatalf("consume: %v", err)
			}
			if _, err := s.Get(ctx, token); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("get after consume: want ErrNotFound, got %v", err)
			}
			if _, err := s.GetDecision(ctx, token); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("decision after consume: want ErrNotFound, got %v", err)
			}
			if _, err := s.Consume(ctx, token); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("second consume: want ErrNotFound, got %v", err)
			}
		})
	}
}

func TestDecisionLifecycle(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := s.Create(ctx, sampleState(t))
			if err != nil {
				t.Fatal(err)
			}
			if _, err := s.GetDecision(ctx, token); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("decision before submit: want ErrNotFound, got %v", err)
			}
			if err := s.RecordDecision(ctx, "no-such-token", domain.ApprovalDecision{Approved: true}); !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("record on unknown token: want ErrNotFound, got %v", err)
			}
			first := domain.ApprovalDecision{Approved: false, Comments: "needs indexes", ApprovedBy: "dba"}
			if err := s.RecordDecision(ctx, token, first); err != nil {
				t.Fatal(err)
			}
			got, err := s.GetDecision(ctx, token)
			if err != nil {
				t.Fatal(err)
			}
			if got != first {
				t.Fatalf("decision mismatch: %+v", got)
			}
			// Last write wins on resubmission; the store does not signal
			// the conflict.
			second := domain.ApprovalDecision{Approved: true, ApprovedBy: "lead"}
			if err := s.RecordDecision(ctx, token, second); err != nil {
				t.Fatal(err)
			}
			got, err = s.GetDecision(ctx, token)
			if err != nil {
				t.Fatal(err)
			}
			if got != second {
				t.Fatalf("expected overwrite, got %+v", got)
			}
		})
	}
}

func TestConcurrentConsumeSingleWinner(t *testing.T) {
	for name, s := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			token, err := s.Create(ctx, sampleState(t))
			if err != nil {
				t.Fatal(err)
			}
			const racers = 8
			var wg sync.WaitGroup
			results := make([]error, racers)
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, results[i] = s.Consume(ctx, token)
				}(i)
			}
			wg.Wait()
			winners := 0
			for _, err := range results {
				if err == nil {
					winners++
				} else if !errors.Is(err, store.ErrNotFound) {
					t.Fatalf("unexpected consume error: %v", err)
				}
			}
			if winners != 1 {
				t.Fatalf("expected exactly one winner, got %d", winners)
			}
		})
	}
}
