package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func TestResolveConfigPath(t *testing.T) {
	origConfig := configPath
	defer func() { configPath = origConfig }()

	configPath = ""
	if got := resolveConfigPath("/srv/bot"); got != filepath.Join("/srv/bot", "routenerd.yaml") {
		t.Errorf("default config path = %s", got)
	}

	configPath = "/etc/routenerd/custom.yaml"
	if got := resolveConfigPath("/srv/bot"); got != "/etc/routenerd/custom.yaml" {
		t.Errorf("explicit config path = %s", got)
	}
}

func TestWorkspacePath(t *testing.T) {
	if got := workspacePath("/srv/bot", "packs/cards"); got != filepath.Join("/srv/bot", "packs/cards") {
		t.Errorf("relative path = %s", got)
	}
	if got := workspacePath("/srv/bot", "/var/lib/routenerd.db"); got != "/var/lib/routenerd.db" {
		t.Errorf("absolute path = %s", got)
	}
	if got := workspacePath("/srv/bot", ""); got != "" {
		t.Errorf("empty path = %s", got)
	}
}

func TestDefaultGatewayAddr(t *testing.T) {
	t.Setenv("ROUTENERD_URL", "")
	if got := defaultGatewayAddr(); got != "http://localhost:8420" {
		t.Errorf("default addr = %s", got)
	}

	t.Setenv("ROUTENERD_URL", "http://gateway:9000")
	if got := defaultGatewayAddr(); got != "http://gateway:9000" {
		t.Errorf("env addr = %s", got)
	}
}

func TestListActions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/actions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"actions":[{"name":"premium_estimate","group":"builtin","purpose":"보험료 계산","tags":["insurance","premium"]}],"registry_version":2}`)
	}))
	defer srv.Close()

	origAddr := gatewayAddr
	gatewayAddr = srv.URL
	defer func() { gatewayAddr = origAddr }()

	output := captureOutput(t, func() {
		if err := listActions(&cobra.Command{}, nil); err != nil {
			t.Fatalf("listActions: %v", err)
		}
	})

	if !strings.Contains(output, "premium_estimate") || !strings.Contains(output, "builtin") {
		t.Errorf("table missing action row: %s", output)
	}
	if !strings.Contains(output, "registry v2") {
		t.Errorf("missing registry version: %s", output)
	}
}

func TestRemoveAction(t *testing.T) {
	logger = zap.NewNop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/actions/premium_estimate" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","actions_count":2,"registry_version":3}`)
	}))
	defer srv.Close()

	origAddr := gatewayAddr
	gatewayAddr = srv.URL
	defer func() { gatewayAddr = origAddr }()

	output := captureOutput(t, func() {
		if err := removeAction(&cobra.Command{}, []string{"premium_estimate"}); err != nil {
			t.Fatalf("removeAction: %v", err)
		}
	})

	if !strings.Contains(output, "2 actions remain") {
		t.Errorf("missing confirmation: %s", output)
	}
}

func TestShowIndexStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/index/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"version":3,"documents":9,"actions":3,"under_indexed":["orphan_action"],"rebuilds":2,"last_rebuild":"2026-08-25T10:00:00Z"}`)
	}))
	defer srv.Close()

	origAddr := gatewayAddr
	gatewayAddr = srv.URL
	defer func() { gatewayAddr = origAddr }()

	output := captureOutput(t, func() {
		if err := showIndexStatus(&cobra.Command{}, nil); err != nil {
			t.Fatalf("showIndexStatus: %v", err)
		}
	})

	if !strings.Contains(output, "Documents:     9") {
		t.Errorf("missing document count: %s", output)
	}
	if !strings.Contains(output, "orphan_action") {
		t.Errorf("missing under-indexed action: %s", output)
	}
}

func TestRebuildIndex(t *testing.T) {
	logger = zap.NewNop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/index/rebuild" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","index":{"version":4,"documents":12,"actions":4,"rebuilds":3,"last_rebuild":"2026-08-25T10:05:00Z"}}`)
	}))
	defer srv.Close()

	origAddr := gatewayAddr
	gatewayAddr = srv.URL
	defer func() { gatewayAddr = origAddr }()

	output := captureOutput(t, func() {
		if err := rebuildIndex(&cobra.Command{}, nil); err != nil {
			t.Fatalf("rebuildIndex: %v", err)
		}
	})

	if !strings.Contains(output, "12 documents across 4 actions") {
		t.Errorf("missing rebuild summary: %s", output)
	}
}

func TestReloadGroupNotFound(t *testing.T) {
	logger = zap.NewNop()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"group not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	origAddr := gatewayAddr
	gatewayAddr = srv.URL
	defer func() { gatewayAddr = origAddr }()

	err := reloadGroup(&cobra.Command{}, []string{"없는그룹"})
	if err == nil {
		t.Fatal("expected error for unknown group")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()

	origOut := os.Stdout
	origErr := os.Stderr
	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout = wOut
	os.Stderr = wErr

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, rOut)
		_, _ = io.Copy(&buf, rErr)
		done <- buf.String()
	}()

	fn()

	_ = wOut.Close()
	_ = wErr.Close()
	os.Stdout = origOut
	os.Stderr = origErr
	return <-done
}
