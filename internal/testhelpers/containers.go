// Package testhelpers runs a SPIRE server and agent in Docker for
// integration tests.
//
// The agent's Workload API socket is bind-mounted to the host so tests can
// reach it through a domain-socket channel.
package testhelpers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	serverImage = "ghcr.io/spiffe/spire-server:1.11"
	agentImage  = "ghcr.io/spiffe/spire-agent:1.11"
)

// SPIREContainers is a running SPIRE server and agent.
type SPIREContainers struct {
	t *testing.T

	// SocketPath is the host path of the agent's Workload API socket.
	SocketPath string

	// TrustDomain is the SPIFFE trust domain for this test instance.
	TrustDomain string

	ServerContainer testcontainers.Container
	AgentContainer  testcontainers.Container
	Network         *testcontainers.DockerNetwork
}

// Endpoint returns the agent's Workload API address in unix:// form.
func (sc *SPIREContainers) Endpoint() string {
	return "unix://" + sc.SocketPath
}

// SetupSPIREContainers starts SPIRE server and agent containers and
// registers a workload entry for uid 0. Everything is removed through
// t.Cleanup.
//
// Requirements:
//   - Docker daemon running and accessible
//   - Docker images: ghcr.io/spiffe/spire-server:1.11, ghcr.io/spiffe/spire-agent:1.11
func SetupSPIREContainers(t *testing.T) *SPIREContainers {
	t.Helper()

	ctx := context.Background()

	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           fmt.Sprintf("wlchan-spire-%d", time.Now().UnixNano()),
			CheckDuplicate: true,
		},
	})
	if err != nil {
		t.Fatalf("Failed to create Docker network: %v", err)
	}

	sc := &SPIREContainers{
		t:           t,
		TrustDomain: "example.org",
		Network:     network.(*testcontainers.DockerNetwork),
	}
	t.Cleanup(sc.terminate)

	sc.startServer(ctx)
	sc.startAgent(ctx, sc.generateJoinToken(ctx))
	sc.createWorkloadEntry(ctx)

	return sc
}

func (sc *SPIREContainers) terminate() {
	ctx := context.Background()

	// Agent first: it depends on the server.
	for _, c := range []struct {
		name      string
		container testcontainers.Container
	}{
		{"agent", sc.AgentContainer},
		{"server", sc.ServerContainer},
	} {
		if c.container == nil {
			continue
		}
		if err := c.container.Terminate(ctx); err != nil {
			sc.t.Logf("Warning: failed to terminate %s container: %v", c.name, err)
		}
	}

	if sc.Network != nil {
		if err := sc.Network.Remove(ctx); err != nil {
			sc.t.Logf("Warning: failed to remove network: %v", err)
		}
	}
}

func (sc *SPIREContainers) startServer(ctx context.Context) {
	sc.t.Helper()

	serverConfig := `
server {
    bind_address = "0.0.0.0"
    bind_port = "8081"
    trust_domain = "` + sc.TrustDomain + `"
    data_dir = "/opt/spire/data/server"
    log_level = "DEBUG"
}

plugins {
    DataStore "sql" {
        plugin_data {
            database_type = "sqlite3"
            connection_string = "/opt/spire/data/server/datastore.sqlite3"
        }
    }
    KeyManager "memory" {
        plugin_data {}
    }
    NodeAttestor "join_token" {
        plugin_data {}
    }
}
`

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          serverImage,
			ExposedPorts:   []string{"8081/tcp"},
			Networks:       []string{sc.Network.Name},
			NetworkAliases: map[string][]string{sc.Network.Name: {"spire-server"}},
			WaitingFor:     wait.ForLog("Starting Server APIs").WithStartupTimeout(60 * time.Second),
			Cmd:            []string{"-config", "/opt/spire/conf/server/server.conf"},
			Files: []testcontainers.ContainerFile{{
				ContainerFilePath: "/opt/spire/conf/server/server.conf",
				FileMode:          0600,
				Reader:            bytes.NewReader([]byte(serverConfig)),
			}},
		},
		Started: true,
	})
	if err != nil {
		sc.t.Fatalf("Failed to start SPIRE server container: %v", err)
	}
	sc.ServerContainer = container
}

func (sc *SPIREContainers) generateJoinToken(ctx context.Context) string {
	sc.t.Helper()

	out := sc.serverExec(ctx,
		"token", "generate",
		"-spiffeID", fmt.Sprintf("spiffe://%s/test-agent", sc.TrustDomain))

	token, err := parseToken(out)
	if err != nil {
		sc.t.Fatalf("Failed to parse join token: %v\nOutput: %s", err, out)
	}
	return token
}

func (sc *SPIREContainers) startAgent(ctx context.Context, joinToken string) {
	sc.t.Helper()

	agentConfig := `
agent {
    data_dir = "/opt/spire/data/agent"
    log_level = "DEBUG"
    trust_domain = "` + sc.TrustDomain + `"
    server_address = "spire-server"
    server_port = "8081"
    insecure_bootstrap = true
}

plugins {
    KeyManager "memory" {
        plugin_data {}
    }
    NodeAttestor "join_token" {
        plugin_data {}
    }
    WorkloadAttestor "unix" {
        plugin_data {}
    }
}
`

	socketDir := filepath.Join(sc.t.TempDir(), "spire-agent")
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		sc.t.Fatalf("Failed to create socket directory: %v", err)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:          agentImage,
			Networks:       []string{sc.Network.Name},
			NetworkAliases: map[string][]string{sc.Network.Name: {"spire-agent"}},
			WaitingFor:     wait.ForLog("Starting Workload API").WithStartupTimeout(60 * time.Second),
			Cmd: []string{
				"-config", "/opt/spire/conf/agent/agent.conf",
				"-joinToken", joinToken,
			},
			Files: []testcontainers.ContainerFile{{
				ContainerFilePath: "/opt/spire/conf/agent/agent.conf",
				FileMode:          0600,
				Reader:            bytes.NewReader([]byte(agentConfig)),
			}},
			Mounts: testcontainers.Mounts(
				testcontainers.BindMount(socketDir, "/tmp/spire-agent/public"),
			),
		},
		Started: true,
	})
	if err != nil {
		sc.t.Fatalf("Failed to start SPIRE agent container: %v", err)
	}

	sc.AgentContainer = container
	sc.SocketPath = filepath.Join(socketDir, "api.sock")
	sc.waitForSocket(ctx)
}

func (sc *SPIREContainers) waitForSocket(ctx context.Context) {
	sc.t.Helper()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(sc.SocketPath); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			sc.t.Fatalf("Timeout waiting for agent socket: %s", sc.SocketPath)
		case <-ticker.C:
		}
	}
}

func (sc *SPIREContainers) createWorkloadEntry(ctx context.Context) {
	sc.t.Helper()

	sc.serverExec(ctx,
		"entry", "create",
		"-spiffeID", fmt.Sprintf("spiffe://%s/test-workload", sc.TrustDomain),
		"-parentID", fmt.Sprintf("spiffe://%s/test-agent", sc.TrustDomain),
		"-selector", "unix:uid:0")
}

// serverExec runs spire-server inside the server container and returns its
// output, failing the test on a non-zero exit.
func (sc *SPIREContainers) serverExec(ctx context.Context, args ...string) string {
	sc.t.Helper()

	cmd := append([]string{"/opt/spire/bin/spire-server"}, args...)
	exitCode, reader, err := sc.ServerContainer.Exec(ctx, cmd)
	if err != nil {
		sc.t.Fatalf("Failed to run %s: %v", strings.Join(args[:2], " "), err)
	}

	out, err := io.ReadAll(reader)
	if err != nil {
		sc.t.Fatalf("Failed to read %s output: %v", strings.Join(args[:2], " "), err)
	}
	if exitCode != 0 {
		sc.t.Fatalf("%s failed: exit=%d, output=%s", strings.Join(args[:2], " "), exitCode, out)
	}
	return string(out)
}

// parseToken extracts the join token from "Token: <token>" output.
func parseToken(output string) (string, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if i := strings.Index(line, "Token: "); i >= 0 {
			if token := strings.TrimSpace(line[i+len("Token: "):]); token != "" {
				return token, nil
			}
		}
	}
	return "", fmt.Errorf("token not found in output")
}
