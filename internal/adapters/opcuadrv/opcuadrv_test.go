package opcuadrv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
)

func TestNewDriverDefaults(t *testing.T) {
	drv, err := NewDriver(Config{
		Endpoint: "opc.tcp://plc:4840",
		Nodes: []ChannelNode{
			{Channel: 0, NodeID: "ns=2;s=Scope.Ch0"},
			{Channel: 1, NodeID: "ns=2;s=Scope.Ch1"},
		},
	})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}

	descs, err := drv.Enumerate()
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("expected a single declared unit, got %d", len(descs))
	}
	desc := descs[0]
	if desc.Serial != "opc.tcp://plc:4840" {
		t.Fatalf("serial should default to the endpoint, got %q", desc.Serial)
	}
	if desc.Model != "opcua-gateway" {
		t.Fatalf("unexpected default model %q", desc.Model)
	}
	if desc.Capabilities.ChannelCount != 2 {
		t.Fatalf("channel count should default to the node count, got %d", desc.Capabilities.ChannelCount)
	}
	if drv.cfg.PublishInterval != 100*time.Millisecond {
		t.Fatalf("unexpected default publish interval %s", drv.cfg.PublishInterval)
	}
}

func TestNewDriverValidation(t *testing.T) {
	if _, err := NewDriver(Config{Nodes: []ChannelNode{{NodeID: "ns=2;s=X"}}}); err == nil {
		t.Fatalf("expected error without endpoint")
	}
	if _, err := NewDriver(Config{Endpoint: "opc.tcp://plc:4840"}); err == nil {
		t.Fatalf("expected error without channel nodes")
	}
}

func TestUnitRejectsBlockModeOperations(t *testing.T) {
	u := &Unit{enabled: make(map[int]bool)}

	if _, err := u.RunBlock(context.Background(), domain.CaptureRequest{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error from RunBlock, got %v", err)
	}
	if err := u.SetTrigger(ports.TriggerSetting{Enabled: true}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error from enabled trigger, got %v", err)
	}
	// a disabled trigger write is the controller's "no trigger" case
	if err := u.SetTrigger(ports.TriggerSetting{}); err != nil {
		t.Fatalf("disabled trigger should be accepted: %v", err)
	}
	if err := u.SetSignalGenerator(domain.SignalGenConfig{}); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error from signal generator, got %v", err)
	}
}

func TestVariantToCount(t *testing.T) {
	cases := []struct {
		value any
		want  int16
		ok    bool
	}{
		{int16(-120), -120, true},
		{int32(512), 512, true},
		{int64(7), 7, true},
		{uint16(42), 42, true},
		{float32(99.7), 99, true},
		{float64(-3.2), -3, true},
		{"text", 0, false},
	}
	for _, tc := range cases {
		v, err := ua.NewVariant(tc.value)
		if err != nil {
			if tc.ok {
				t.Fatalf("NewVariant(%v): %v", tc.value, err)
			}
			continue
		}
		got, ok := variantToCount(v)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("variantToCount(%v) = (%d,%v), want (%d,%v)", tc.value, got, ok, tc.want, tc.ok)
		}
	}
	if _, ok := variantToCount(nil); ok {
		t.Fatalf("nil variant should not convert")
	}
}

func TestSamplingIntervalMillis(t *testing.T) {
	cases := []struct {
		interval time.Duration
		want     float64
	}{
		{2 * time.Millisecond, 2},
		{time.Millisecond, 1},
		{250 * time.Microsecond, 0.25}, // sub-millisecond must not floor to zero
		{1500 * time.Microsecond, 1.5},
	}
	for _, tc := range cases {
		if got := samplingIntervalMs(tc.interval); got != tc.want {
			t.Fatalf("samplingIntervalMs(%s) = %g, want %g", tc.interval, got, tc.want)
		}
	}
}
