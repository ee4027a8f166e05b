package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/derivkit/derivws/core/schema"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode: skipping container-backed test")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "derivws"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/derivws?sslmode=disable", host, port.Port())
}

func TestStoreRoundTrip(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	store, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	req := schema.Message{"website_status": 1}
	resp := schema.Message{
		"msg_type":       "website_status",
		"website_status": map[string]any{"site_status": "up"},
	}

	if _, ok, err := store.Get(ctx, req); err != nil || ok {
		t.Fatalf("Get before Set: ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, req, resp); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := store.Get(ctx, req)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.MsgType() != "website_status" {
		t.Fatalf("msg_type = %q", got.MsgType())
	}

	byType, ok, err := store.GetByMsgType(ctx, "website_status")
	if err != nil || !ok {
		t.Fatalf("GetByMsgType: ok=%v err=%v", ok, err)
	}
	if byType.MsgType() != "website_status" {
		t.Fatalf("msg_type = %q", byType.MsgType())
	}

	// A volatile field must hit the same row.
	if _, ok, _ := store.Get(ctx, schema.Message{"website_status": 1, "req_id": int64(7)}); !ok {
		t.Fatal("fingerprint should ignore req_id")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()
	if err := Migrate(ctx, dsn); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	if err := Migrate(ctx, dsn); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
