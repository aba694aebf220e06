package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/pointpillars/internal/monitoring"
)

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestServer_PhaseTransitions(t *testing.T) {
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = prev })

	s := NewServer("127.0.0.1:0")
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Error(t, s.Start())

	conn, err := grpc.NewClient(s.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	assert.Equal(t, PhaseStarting, s.Phase())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, Service))

	s.SetPhase(PhaseTrain)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, PhaseService(PhaseTrain)))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, PhaseService(PhaseEval)))

	s.SetPhase(PhaseEval)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, PhaseService(PhaseTrain)))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, PhaseService(PhaseEval)))

	s.SetPhase(PhaseFailed)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, Service))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, PhaseService(PhaseFailed)))
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.Stop()
	assert.Equal(t, "127.0.0.1:0", s.Addr())
}

func TestNop(t *testing.T) {
	var r Reporter = Nop{}
	r.SetPhase(PhaseDone)
}
