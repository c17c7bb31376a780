package infra

import (
	"context"
	"slices"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"

	"keysync-service/config"
)

func TestInitTracer_Disabled(t *testing.T) {
	tp, err := InitTracer(context.Background(), &config.Config{OtelEnabled: false})
	if err != nil {
		t.Fatalf("InitTracer() error = %v", err)
	}
	if tp != nil {
		t.Error("expected nil provider when tracing is disabled")
	}
}

func TestNewTraceResource(t *testing.T) {
	tests := []struct {
		name    string
		keyName string
		backend string
	}{
		{name: "local kms", keyName: "", backend: "local"},
		{name: "cloud kms", keyName: "projects/p/locations/l/keyRings/r/cryptoKeys/k", backend: "cloudkms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTraceResource(context.Background(), &config.Config{
				OtelServiceName: "keysync-test",
				KMSKeyName:      tt.keyName,
				ResourceClasses: []string{"ledger", "attachments"},
			})
			if err != nil {
				t.Fatalf("newTraceResource() error = %v", err)
			}
			set := res.Set()
			if v, _ := set.Value(attribute.Key("service.name")); v.AsString() != "keysync-test" {
				t.Errorf("service.name = %q", v.AsString())
			}
			if v, _ := set.Value(attribute.Key("keysync.kms_backend")); v.AsString() != tt.backend {
				t.Errorf("keysync.kms_backend = %q, want %q", v.AsString(), tt.backend)
			}
			if v, _ := set.Value(attribute.Key("keysync.resource_classes")); !slices.Equal(v.AsStringSlice(), []string{"ledger", "attachments"}) {
				t.Errorf("keysync.resource_classes = %v", v.AsStringSlice())
			}
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 0.5, want: "TraceIDRatioBased{0.5}"},
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 3, want: "AlwaysOnSampler"},
		{rate: -1, want: "AlwaysOnSampler"},
	}

	for _, tt := range tests {
		desc := newSampler(tt.rate).Description()
		if !strings.HasPrefix(desc, "ParentBased{root:"+tt.want) {
			t.Errorf("newSampler(%v) = %s, want root %s", tt.rate, desc, tt.want)
		}
	}
}
