//go:build integration

package orchestrator_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pgcopydb-go/internal/config"
	"github.com/jfoltran/pgcopydb-go/internal/orchestrator"
	"github.com/jfoltran/pgcopydb-go/internal/testutil"
	"github.com/jfoltran/pgcopydb-go/internal/workdir"
)

func TestMain(m *testing.M) {
	rt := testutil.ContainerRuntime()
	if rt == "" {
		fmt.Fprintln(os.Stderr, "SKIP: no container runtime found (docker or podman)")
		os.Exit(0)
	}

	alreadyRunning := testutil.TryPing(testutil.SourceDSN()) && testutil.TryPing(testutil.DestDSN())
	if !alreadyRunning {
		fmt.Fprintf(os.Stderr, "starting test containers with %s...\n", rt)
		if err := testutil.RunCompose("up", "-d", "--wait"); err != nil {
			if err2 := testutil.RunCompose("up", "-d"); err2 != nil {
				fmt.Fprintf(os.Stderr, "compose up failed: %v\n", err2)
				os.Exit(1)
			}
		}
	}

	code := m.Run()

	if !alreadyRunning {
		fmt.Fprintln(os.Stderr, "stopping test containers...")
		_ = testutil.RunCompose("down", "-v")
	}

	os.Exit(code)
}

func testConfig(t *testing.T, slot, pub string) *config.Config {
	return &config.Config{
		Source: config.DatabaseConfig{Host: "localhost", Port: 55432, User: "postgres", Password: "source", DBName: "source"},
		Dest:   config.DatabaseConfig{Host: "localhost", Port: 55433, User: "postgres", Password: "dest", DBName: "dest"},
		Replication: config.ReplicationConfig{
			SlotName:     slot,
			Publication:  pub,
			OutputPlugin: "test_decoding",
		},
		Clone: config.CloneConfig{
			WorkDir:      t.TempDir(),
			TableJobs:    2,
			IndexJobs:    2,
			VacuumJobs:   1,
			DropIfExists: true,
		},
	}
}

func newOrchestrator(t *testing.T, cfg *config.Config) *orchestrator.Orchestrator {
	t.Helper()
	paths, err := workdir.Init(cfg.Clone.WorkDir, false, false, "test")
	if err != nil {
		t.Fatalf("init workdir: %v", err)
	}
	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()
	return orchestrator.New(cfg, paths, logger)
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano()%1_000_000)
}

func TestRunClone_SingleTable(t *testing.T) {
	srcPool := testutil.MustConnectPool(t, testutil.SourceDSN())
	dstPool := testutil.MustConnectPool(t, testutil.DestDSN())

	tableName := uniqueName("test_clone")
	slot := uniqueName("slot_clone")
	pub := uniqueName("pub_clone")

	testutil.CreateTestTable(t, srcPool, "public", tableName, 100)
	t.Cleanup(func() {
		testutil.DropTestTable(t, srcPool, "public", tableName)
		testutil.DropTestTable(t, dstPool, "public", tableName)
		testutil.CleanupReplication(t, srcPool, slot, pub)
	})
	testutil.CreatePublication(t, srcPool, pub)

	cfg := testConfig(t, slot, pub)
	orch := newOrchestrator(t, cfg)
	defer orch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := orch.RunClone(ctx); err != nil {
		t.Fatalf("RunClone failed: %v", err)
	}

	if !testutil.TableExists(t, dstPool, "public", tableName) {
		t.Fatal("table was not created on destination")
	}
	if got := testutil.TableRowCount(t, dstPool, "public", tableName); got != 100 {
		t.Errorf("expected 100 rows on dest, got %d", got)
	}

	snap := orch.Metrics.Snapshot()
	if snap.Phase != "clone-complete" {
		t.Errorf("expected phase clone-complete, got %q", snap.Phase)
	}
}

func TestRunClone_MultipleTables(t *testing.T) {
	srcPool := testutil.MustConnectPool(t, testutil.SourceDSN())
	dstPool := testutil.MustConnectPool(t, testutil.DestDSN())

	tables := []struct {
		name string
		rows int
	}{
		{uniqueName("multi_a"), 50},
		{uniqueName("multi_b"), 200},
		{uniqueName("multi_c"), 0},
	}
	slot := uniqueName("slot_multi")
	pub := uniqueName("pub_multi")

	for _, tbl := range tables {
		testutil.CreateTestTable(t, srcPool, "public", tbl.name, tbl.rows)
	}
	t.Cleanup(func() {
		for _, tbl := range tables {
			testutil.DropTestTable(t, srcPool, "public", tbl.name)
			testutil.DropTestTable(t, dstPool, "public", tbl.name)
		}
		testutil.CleanupReplication(t, srcPool, slot, pub)
	})
	testutil.CreatePublication(t, srcPool, pub)

	cfg := testConfig(t, slot, pub)
	orch := newOrchestrator(t, cfg)
	defer orch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := orch.RunClone(ctx); err != nil {
		t.Fatalf("RunClone failed: %v", err)
	}

	for _, tbl := range tables {
		if !testutil.TableExists(t, dstPool, "public", tbl.name) {
			t.Errorf("table %s missing on destination", tbl.name)
			continue
		}
		if got := testutil.TableRowCount(t, dstPool, "public", tbl.name); got != int64(tbl.rows) {
			t.Errorf("table %s: expected %d rows, got %d", tbl.name, tbl.rows, got)
		}
	}
}

func TestRunCloneAndFollow_CDCInsertsAndUpdates(t *testing.T) {
	srcPool := testutil.MustConnectPool(t, testutil.SourceDSN())
	dstPool := testutil.MustConnectPool(t, testutil.DestDSN())

	tableName := uniqueName("test_cdc")
	slot := uniqueName("slot_cdc")
	pub := uniqueName("pub_cdc")

	testutil.CreateTestTable(t, srcPool, "public", tableName, 50)
	_, err := srcPool.Exec(context.Background(), fmt.Sprintf(
		`ALTER TABLE "public"."%s" REPLICA IDENTITY FULL`, tableName))
	if err != nil {
		t.Fatalf("set replica identity: %v", err)
	}
	t.Cleanup(func() {
		testutil.DropTestTable(t, srcPool, "public", tableName)
		testutil.DropTestTable(t, dstPool, "public", tableName)
		testutil.CleanupReplication(t, srcPool, slot, pub)
	})
	testutil.CreatePublication(t, srcPool, pub)

	cfg := testConfig(t, slot, pub)
	orch := newOrchestrator(t, cfg)
	defer orch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- orch.RunCloneAndFollow(ctx) }()

	waitForPhase(t, orch, "cdc", 60*time.Second)

	for i := 1; i <= 20; i++ {
		if _, err := srcPool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO "public"."%s" (name, value) VALUES ($1, $2)`, tableName),
			fmt.Sprintf("cdc-row-%d", i), i*100); err != nil {
			t.Fatalf("insert cdc row %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.TableRowCount(t, dstPool, "public", tableName) >= 70 {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if got := testutil.TableRowCount(t, dstPool, "public", tableName); got < 70 {
		t.Errorf("expected at least 70 rows on dest (50 initial + 20 CDC), got %d", got)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Logf("RunCloneAndFollow returned: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("RunCloneAndFollow did not exit after cancel")
	}
}

func waitForPhase(t *testing.T, orch *orchestrator.Orchestrator, target string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if orch.Metrics.Snapshot().Phase == target {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %q (current: %q)", target, orch.Metrics.Snapshot().Phase)
}
