//go:build integration

package mysql

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/omriariav/FaceFindr/internal/match"
	"github.com/omriariav/FaceFindr/internal/runner"
	"github.com/omriariav/FaceFindr/internal/store"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestContainer(t *testing.T) (*store.SQLStore, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "mariadb:11",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MARIADB_ROOT_PASSWORD": "test",
			"MARIADB_DATABASE":      "testdb",
		},
		WaitingFor: wait.ForListeningPort("3306/tcp").WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	dsn := fmt.Sprintf("root:test@tcp(%s:%s)/testdb", host, port.Port())

	// The port opens before the server accepts logins.
	var s *store.SQLStore
	for range 30 {
		if s, err = Open(ctx, dsn, nil); err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to open database: %v", err)
	}

	return s, func() {
		s.Close()
		container.Terminate(ctx)
	}
}

func TestRunStore(t *testing.T) {
	s, cleanup := setupTestContainer(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.StartRun(ctx, store.Run{ID: "run-1", State: runner.StateRunning, Threshold: 0.8, Metric: "cosine", StartedAt: time.Now()}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := s.SaveResult(ctx, "run-1", 1, match.Result{CandidatePath: "/p/b.jpg", NoFace: true, Tier: match.NotMatched}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}

	results, err := s.Results(ctx, "run-1", store.ResultFilter{})
	if err != nil {
		t.Fatalf("Results: %v", err)
	}
	if len(results) != 1 || !results[0].NoFace || results[0].Tier != match.NotMatched {
		t.Errorf("unexpected results: %+v", results)
	}
}
