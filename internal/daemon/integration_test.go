package daemon_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/stepunlock/internal/config"
	"github.com/harunnryd/stepunlock/internal/daemon"
	"github.com/harunnryd/stepunlock/internal/daemon/components"
	"github.com/harunnryd/stepunlock/internal/metrics"
)

func testConfig(t *testing.T, driver string) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Host:           "127.0.0.1",
			Port:           0,
			MetricsEnabled: true,
		},
		Store: config.StoreConfig{
			Driver:      driver,
			LockTimeout: "500ms",
		},
		Engine: config.EngineConfig{
			Timezone:     "UTC",
			WelcomeBonus: 50,
		},
		Habits: config.DefaultHabits(),
		Apps: config.AppsConfig{
			DefaultUnlockCost:     10,
			DefaultUnlockDuration: "15m",
			Categories:            config.DefaultCategories(),
		},
		Scheduler: config.SchedulerConfig{TickInterval: "50ms"},
		Daemon:    config.DaemonConfig{WorkspacePath: t.TempDir()},
	}
}

func assemble(d *daemon.Daemon, workspaceID string, cfg *config.Config) *components.HTTPServerComponent {
	collector := metrics.NewCollector("")
	storeComp := components.NewStoreComponent(workspaceID, cfg.Daemon.WorkspacePath, &cfg.Store)
	engineComp := components.NewEngineComponent(cfg, storeComp, collector)
	schedulerComp := components.NewSchedulerComponent(cfg, engineComp, collector, workspaceID)
	httpComp := components.NewHTTPServerComponent(d, &cfg.Server, engineComp, collector)

	d.AddComponent(storeComp)
	d.AddComponent(engineComp)
	d.AddComponent(schedulerComp)
	d.AddComponent(httpComp)
	return httpComp
}

func waitRunning(t *testing.T, d *daemon.Daemon) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for d.Health() != daemon.StatusRunning {
		if time.Now().After(deadline) {
			t.Fatalf("daemon never reached running, health = %v", d.Health())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, out
}

func expectShutdown(t *testing.T, startDone <-chan error) {
	t.Helper()
	select {
	case err := <-startDone:
		if err == nil {
			t.Error("Daemon.Start() should have returned error when context cancelled")
		} else if !strings.Contains(err.Error(), "context canceled") && !strings.Contains(err.Error(), "shutdown cancelled") {
			t.Errorf("Daemon.Start() returned unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Daemon did not shut down within timeout")
	}
}

func TestDaemonFullLifecycle(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			workspaceID := fmt.Sprintf("test-%d", time.Now().UnixNano())
			cfg := testConfig(t, driver)

			d, err := daemon.NewDaemon(workspaceID, cfg)
			if err != nil {
				t.Fatalf("Failed to create daemon: %v", err)
			}
			httpComp := assemble(d, workspaceID, cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			startDone := make(chan error, 1)
			go func() {
				startDone <- d.Start(ctx)
			}()
			waitRunning(t, d)

			healths := d.ComponentHealth()
			if len(healths) != 4 {
				t.Errorf("Expected 4 components, got %d", len(healths))
			}
			for name, h := range healths {
				if !h.Healthy {
					t.Errorf("Component %s unhealthy: %v", name, h.Error)
				}
			}

			base := "http://" + httpComp.Addr()
			status, body := getJSON(t, base+"/health")
			if status != http.StatusOK || body["status"] != "ok" {
				t.Errorf("health = %d %v", status, body)
			}

			resp, err := http.Post(base+"/v1/habits/journal/units", "application/json", strings.NewReader(`{"units":1}`))
			if err != nil {
				t.Fatalf("post units: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("post units status = %d", resp.StatusCode)
			}

			status, body = getJSON(t, base+"/v1/balance")
			if status != http.StatusOK {
				t.Fatalf("balance status = %d", status)
			}
			if body["balance"] != float64(53) {
				t.Errorf("balance = %v, want 53", body["balance"])
			}

			metricsResp, err := http.Get(base + "/metrics")
			if err != nil {
				t.Fatalf("get metrics: %v", err)
			}
			raw, _ := io.ReadAll(metricsResp.Body)
			metricsResp.Body.Close()
			if !strings.Contains(string(raw), "stepunlock_ledger_balance_credits") {
				t.Error("metrics endpoint missing balance gauge")
			}

			cancel()
			expectShutdown(t, startDone)

			if d.Health() != daemon.StatusStopped {
				t.Errorf("Expected StatusStopped after shutdown, got %v", d.Health())
			}
		})
	}
}

func TestDaemonRestartKeepsLedger(t *testing.T) {
	workspaceID := fmt.Sprintf("test-%d", time.Now().UnixNano())
	cfg := testConfig(t, "file")

	run := func(check func(base string)) {
		d, err := daemon.NewDaemon(workspaceID, cfg)
		if err != nil {
			t.Fatalf("Failed to create daemon: %v", err)
		}
		httpComp := assemble(d, workspaceID, cfg)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		startDone := make(chan error, 1)
		go func() {
			startDone <- d.Start(ctx)
		}()
		waitRunning(t, d)
		check("http://" + httpComp.Addr())
		cancel()
		expectShutdown(t, startDone)
	}

	run(func(base string) {
		resp, err := http.Post(base+"/v1/habits/journal/units", "application/json", strings.NewReader(`{"units":1}`))
		if err != nil {
			t.Fatalf("post units: %v", err)
		}
		resp.Body.Close()
	})

	// a second start must not grant the welcome bonus again
	run(func(base string) {
		_, body := getJSON(t, base+"/v1/balance")
		if body["balance"] != float64(53) {
			t.Errorf("balance after restart = %v, want 53", body["balance"])
		}
	})
}

func TestStoreComponentWorkspaceLock(t *testing.T) {
	root := t.TempDir()
	cfg := &config.StoreConfig{Driver: "file", LockTimeout: "200ms", LockRetry: "20ms"}
	ctx := context.Background()

	first := components.NewStoreComponent("locked", root, cfg)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("first Init failed: %v", err)
	}
	defer first.Stop(ctx)

	second := components.NewStoreComponent("locked", root, cfg)
	if err := second.Init(ctx); err == nil {
		second.Stop(ctx)
		t.Fatal("second store on the same workspace should fail to lock")
	}

	health, _ := second.Health(ctx)
	if health.Healthy {
		t.Error("uninitialized store should report unhealthy")
	}
}
