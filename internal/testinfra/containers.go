//go:build integration

// Package testinfra starts disposable backing services for integration tests
package testinfra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	startupTimeout     = 60 * time.Second
	terminationTimeout = 10 * time.Second
)

// service describes one container and how to build its connection string
type service struct {
	image   string
	port    string
	env     map[string]string
	cmd     []string
	waitFor wait.Strategy
	url     func(host, port string) string
}

func start(t *testing.T, svc service) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        svc.image,
			ExposedPorts: []string{svc.port},
			Env:          svc.env,
			Cmd:          svc.cmd,
			WaitingFor:   svc.waitFor,
		},
		Started: true,
	})
	require.NoError(t, err, "start %s container", svc.image)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), terminationTimeout)
		defer cancel()
		if err := c.Terminate(ctx); err != nil {
			t.Logf("failed terminating %s container: %v", svc.image, err)
		}
	})

	host, err := c.Host(ctx)
	require.NoError(t, err)
	mapped, err := c.MappedPort(ctx, nat.Port(svc.port))
	require.NoError(t, err)

	return svc.url(host, mapped.Port())
}

// RabbitMQ starts a broker and returns its AMQP URL
func RabbitMQ(t *testing.T) string {
	return start(t, service{
		image:   "rabbitmq:3.13-management-alpine",
		port:    "5672/tcp",
		waitFor: wait.ForLog("Server startup complete").WithStartupTimeout(startupTimeout),
		url: func(host, port string) string {
			return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port)
		},
	})
}

// Postgres starts a database and returns its DSN
func Postgres(t *testing.T) string {
	return start(t, service{
		image: "postgres:16-alpine",
		port:  "5432/tcp",
		env: map[string]string{
			"POSTGRES_DB":       "cogbus",
			"POSTGRES_USER":     "cogbus",
			"POSTGRES_PASSWORD": "cogbus",
		},
		waitFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(startupTimeout),
		url: func(host, port string) string {
			return fmt.Sprintf("postgres://cogbus:cogbus@%s:%s/cogbus?sslmode=disable", host, port)
		},
	})
}

// Mongo starts a single node replica set, which transactions require, and
// returns its URI
func Mongo(t *testing.T) string {
	return start(t, service{
		image: "mongo:7",
		port:  "27017/tcp",
		cmd:   []string{"--replSet", "rs0", "--bind_ip_all"},
		waitFor: wait.ForExec([]string{"mongosh", "--quiet", "--eval",
			"try { rs.status().ok } catch (e) { rs.initiate({_id: 'rs0', members: [{_id: 0, host: 'localhost:27017'}]}).ok }"}).
			WithStartupTimeout(startupTimeout),
		url: func(host, port string) string {
			return fmt.Sprintf("mongodb://%s:%s/?replicaSet=rs0&directConnection=true", host, port)
		},
	})
}

// Redis starts a server and returns its address
func Redis(t *testing.T) string {
	return start(t, service{
		image:   "redis:7-alpine",
		port:    "6379/tcp",
		waitFor: wait.ForLog("Ready to accept connections").WithStartupTimeout(startupTimeout),
		url: func(host, port string) string {
			return host + ":" + port
		},
	})
}
