package suite

import (
	"context"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	natsImage = "nats:2.10-alpine"
	natsPort  = "4222/tcp"
)

// NewNATS starts a disposable nats server with JetStream enabled and returns its client URL.
func NewNATS(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer cancel()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        natsImage,
			ExposedPorts: []string{natsPort},
			Cmd:          []string{"-js"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}

	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate nats container: %v", err)
		}
	})

	url, err := container.PortEndpoint(ctx, natsPort, "nats")
	if err != nil {
		t.Fatalf("failed to get nats endpoint: %v", err)
	}

	return url
}
