//go:build integration

package records

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a throwaway PostgreSQL container and returns its URL.
func startPostgres(t *testing.T) string {
	t.Helper()
	// Ryuk is unreliable in some CI sandboxes; containers are terminated in Cleanup.
	_ = os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "bulk",
				"POSTGRES_PASSWORD": "bulk",
				"POSTGRES_DB":       "bulk",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return fmt.Sprintf("postgres://bulk:bulk@%s:%s/bulk?sslmode=disable", host, port.Port())
}

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, PostgresOptions{URL: startPostgres(t), MaxConns: 4, MinConns: 1})
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	defer func() { _ = store.Close() }()

	rec, err := store.Insert(ctx, NewRecord{Name: "Alice", Age: intPtr(30), Email: strPtr("a@x.com"), Actor: "admin"})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "Alice" || got.CreatedBy != "admin" || got.IsDeleted {
		t.Fatalf("unexpected record: %+v", got)
	}

	if _, err := store.Insert(ctx, NewRecord{Name: "Alicia", Email: strPtr("a@x.com"), Actor: "admin"}); !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("duplicate email = %v, want ErrConstraintViolation", err)
	}
	if _, err := store.Insert(ctx, NewRecord{Name: "Old", Age: intPtr(-5), Actor: "admin"}); !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("negative age = %v, want ErrConstraintViolation", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Insert(ctx, NewRecord{Name: "NoMail", Actor: "admin"}); err != nil {
			t.Fatalf("absent email insert %d: %v", i, err)
		}
	}
	if _, err := store.Get(ctx, rec.ID+1000); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("Get missing = %v, want ErrRecordNotFound", err)
	}

	_ = store.Close()
	if _, err := store.Insert(ctx, NewRecord{Name: "Late", Actor: "admin"}); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("insert after close = %v, want ErrStoreClosed", err)
	}
}
