package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	// GRPCService is the classifier service name, also used for health checks.
	GRPCService = "birdwatch.v1.Classifier"

	detectMethod = "/" + GRPCService + "/DetectAndClassify"
	maxVideoMsg  = 256 << 20
)

// GRPCConfig configures a GRPCClassifier.
type GRPCConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// GRPCClassifier calls a model service over gRPC. The request carries the raw
// video bytes and the response is a struct with detected, species,
// confidence and a base64 frame.
type GRPCClassifier struct {
	endpoint string
	timeout  time.Duration
	conn     *grpc.ClientConn
	health   healthpb.HealthClient

	healthMu   sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// NewGRPCClassifier creates the client connection. Extra dial options are
// appended to the defaults.
func NewGRPCClassifier(cfg GRPCConfig, opts ...grpc.DialOption) (*GRPCClassifier, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	// Keepalive detects dead connections between uploads.
	kacp := keepalive.ClientParameters{
		Time:                30 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(maxVideoMsg), grpc.MaxCallRecvMsgSize(maxVideoMsg)),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}

	log.Printf("[Classifier] gRPC client for %s", cfg.Endpoint)
	return &GRPCClassifier{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
	}, nil
}

func (g *GRPCClassifier) Name() string { return "grpc" }

// Close closes the client connection.
func (g *GRPCClassifier) Close() error {
	return g.conn.Close()
}

// IsHealthy queries the standard gRPC health service, caching the answer for
// 30 seconds.
func (g *GRPCClassifier) IsHealthy(ctx context.Context) bool {
	g.healthMu.RLock()
	if time.Since(g.lastHealth) < 30*time.Second {
		healthy := g.healthy
		g.healthMu.RUnlock()
		return healthy
	}
	g.healthMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: GRPCService})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		log.Printf("[Classifier] Health check failed: %v", err)
	}

	g.healthMu.Lock()
	g.healthy = healthy
	g.lastHealth = time.Now()
	g.healthMu.Unlock()
	return healthy
}

// DetectAndClassify sends the whole video in one unary call.
func (g *GRPCClassifier) DetectAndClassify(ctx context.Context, videoPath string) (*Result, error) {
	data, err := os.ReadFile(videoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read video: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, detectMethod, wrapperspb.Bytes(data), resp); err != nil {
		return nil, fmt.Errorf("classifier call failed: %w", err)
	}
	return resultFromStruct(resp)
}

func resultFromStruct(s *structpb.Struct) (*Result, error) {
	fields := s.GetFields()
	if !fields["detected"].GetBoolValue() {
		return nil, nil
	}

	res := &Result{
		Species:    NormalizeSpecies(fields["species"].GetStringValue()),
		Confidence: fields["confidence"].GetNumberValue(),
	}
	if encoded := fields["frame"].GetStringValue(); encoded != "" {
		frame, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid frame in classifier response: %w", err)
		}
		res.Frame = frame
	}
	return res, nil
}
