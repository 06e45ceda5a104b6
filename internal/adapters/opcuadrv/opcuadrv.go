// Package opcuadrv adapts networked digitizers that publish raw channel
// counts over OPC UA to the driver port. Such gateways deliver samples by
// subscription only, so the unit supports streaming but not block capture.
package opcuadrv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/markuskreitzer/picodaq/internal/domain"
	"github.com/markuskreitzer/picodaq/internal/ports"
)

// ChannelNode binds one scope channel to the OPC UA node that publishes
// its raw counts.
type ChannelNode struct {
	Channel int    `yaml:"channel"`
	NodeID  string `yaml:"node_id"`
}

// Config describes one reachable gateway. The capability descriptor is
// declared here because network units cannot be probed for it.
type Config struct {
	Endpoint        string              `yaml:"endpoint"`
	SecurityMode    string              `yaml:"security_mode"`
	SecurityPolicy  string              `yaml:"security_policy"`
	ApplicationName string              `yaml:"application_name"`
	PublishInterval time.Duration       `yaml:"publish_interval"`
	Serial          string              `yaml:"serial"`
	Model           string              `yaml:"model"`
	Capabilities    domain.Capabilities `yaml:"capabilities"`
	Nodes           []ChannelNode       `yaml:"nodes"`
}

func (c *Config) applyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "picodaq"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 100 * time.Millisecond
	}
	if c.Model == "" {
		c.Model = "opcua-gateway"
	}
	if c.Serial == "" {
		c.Serial = c.Endpoint
	}
	if c.Capabilities.ChannelCount == 0 {
		c.Capabilities.ChannelCount = len(c.Nodes)
	}
}

func (c *Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if len(c.Nodes) == 0 {
		return errors.New("at least one channel node must be configured")
	}
	return nil
}

// Driver opens units declared in its configuration.
type Driver struct {
	cfg Config
}

func NewDriver(cfg Config) (*Driver, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("opcuadrv config: %w", err)
	}
	return &Driver{cfg: cfg}, nil
}

func (d *Driver) Enumerate() ([]domain.Descriptor, error) {
	return []domain.Descriptor{d.descriptor()}, nil
}

func (d *Driver) descriptor() domain.Descriptor {
	return domain.Descriptor{
		Serial:       d.cfg.Serial,
		Model:        d.cfg.Model,
		Capabilities: d.cfg.Capabilities,
	}
}

func (d *Driver) Open(ctx context.Context, serial string) (ports.Unit, error) {
	const op = "opcuadrv.Open"
	if serial != "" && serial != d.cfg.Serial {
		return nil, domain.E(domain.KindNotFound, op, "no unit with serial %q", serial)
	}

	client, err := opcua.NewClient(d.cfg.Endpoint,
		opcua.SecurityModeString(d.cfg.SecurityMode),
		opcua.SecurityPolicy(d.cfg.SecurityPolicy),
		opcua.ApplicationName(d.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	)
	if err != nil {
		return nil, domain.Wrap(domain.KindDriver, op, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, domain.Wrap(domain.KindDriver, op, err)
	}

	return &Unit{
		cfg:     d.cfg,
		desc:    d.descriptor(),
		client:  client,
		enabled: make(map[int]bool),
	}, nil
}

// Unit is one open gateway session.
type Unit struct {
	cfg    Config
	desc   domain.Descriptor
	client *opcua.Client

	mu      sync.Mutex
	enabled map[int]bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (u *Unit) Info() domain.Descriptor { return u.desc }

// SetChannel only records the enabled set. Gateways publish pre-scaled
// counts; coupling and range are fixed upstream.
func (u *Unit) SetChannel(s ports.ChannelSetting) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.enabled[s.Channel] = s.Enabled
	return nil
}

func (u *Unit) SetTrigger(s ports.TriggerSetting) error {
	if s.Enabled {
		return domain.E(domain.KindConfiguration, "opcuadrv.SetTrigger",
			"edge triggering is not available over this transport")
	}
	return nil
}

func (u *Unit) RunBlock(context.Context, domain.CaptureRequest) (*ports.BlockResult, error) {
	return nil, domain.E(domain.KindConfiguration, "opcuadrv.RunBlock",
		"block capture is not available over this transport, use streaming")
}

func (u *Unit) RunStreaming(interval time.Duration, deliver func(ports.StreamBatch)) error {
	const op = "opcuadrv.RunStreaming"

	u.mu.Lock()
	if u.cancel != nil {
		u.mu.Unlock()
		return domain.E(domain.KindDriver, op, "streaming already running")
	}
	var nodes []ChannelNode
	for _, n := range u.cfg.Nodes {
		if u.enabled[n.Channel] {
			nodes = append(nodes, n)
		}
	}
	u.mu.Unlock()

	if len(nodes) == 0 {
		return domain.E(domain.KindDriver, op, "no enabled channels")
	}

	ctx, cancel := context.WithCancel(context.Background())

	pubInterval := u.cfg.PublishInterval
	if interval > pubInterval {
		pubInterval = interval
	}

	notifyCh := make(chan *opcua.PublishNotificationData, len(nodes)*4)
	sub, err := u.client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: pubInterval,
	}, notifyCh)
	if err != nil {
		cancel()
		return domain.Wrap(domain.KindDriver, op, err)
	}

	handleToChannel := make(map[uint32]int, len(nodes))
	for i, node := range nodes {
		nodeID, err := ua.ParseNodeID(node.NodeID)
		if err != nil {
			cancel()
			_ = sub.Cancel(ctx)
			return domain.Wrap(domain.KindDriver, op, fmt.Errorf("parse node id %q: %w", node.NodeID, err))
		}
		handle := uint32(i + 1)
		req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, handle)
		req.RequestedParameters.SamplingInterval = samplingIntervalMs(interval)
		res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
		if err != nil {
			cancel()
			_ = sub.Cancel(ctx)
			return domain.Wrap(domain.KindDriver, op, fmt.Errorf("monitor node %q: %w", node.NodeID, err))
		}
		if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
			cancel()
			_ = sub.Cancel(ctx)
			return domain.E(domain.KindDriver, op, "monitor node %q rejected", node.NodeID)
		}
		handleToChannel[handle] = node.Channel
	}

	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()

	u.wg.Add(1)
	go u.consume(ctx, sub, notifyCh, handleToChannel, deliver)
	return nil
}

// samplingIntervalMs converts to the OPC UA millisecond convention,
// keeping sub-millisecond fractions instead of flooring them to zero.
func samplingIntervalMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// consume turns publish notifications into stream batches. It only calls
// deliver, never back into the acquisition core.
func (u *Unit) consume(ctx context.Context, sub *opcua.Subscription, ch <-chan *opcua.PublishNotificationData, handles map[uint32]int, deliver func(ports.StreamBatch)) {
	defer u.wg.Done()
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		_ = sub.Cancel(cctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil || notif.Error != nil {
				continue
			}
			data, ok := notif.Value.(*ua.DataChangeNotification)
			if !ok {
				continue
			}
			batch := ports.StreamBatch{Raw: make(map[int][]int16)}
			for _, item := range data.MonitoredItems {
				channel, ok := handles[item.ClientHandle]
				if !ok {
					continue
				}
				raw, ok := variantToCount(item.Value.Value)
				if !ok {
					continue
				}
				batch.Raw[channel] = append(batch.Raw[channel], raw)
			}
			if len(batch.Raw) > 0 {
				deliver(batch)
			}
		}
	}
}

func (u *Unit) Stop() error {
	u.mu.Lock()
	cancel := u.cancel
	u.cancel = nil
	u.mu.Unlock()
	if cancel != nil {
		cancel()
		u.wg.Wait()
	}
	return nil
}

func (u *Unit) SetSignalGenerator(domain.SignalGenConfig) error {
	return domain.E(domain.KindConfiguration, "opcuadrv.SetSignalGenerator",
		"unit has no signal generator")
}

func (u *Unit) StopSignalGenerator() error { return nil }

func (u *Unit) Close() error {
	_ = u.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.client.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func variantToCount(v *ua.Variant) (int16, bool) {
	if v == nil {
		return 0, false
	}
	switch val := v.Value().(type) {
	case int16:
		return val, true
	case int32:
		return int16(val), true
	case int64:
		return int16(val), true
	case uint16:
		return int16(val), true
	case uint32:
		return int16(val), true
	case float32:
		return int16(val), true
	case float64:
		return int16(val), true
	default:
		return 0, false
	}
}

var (
	_ ports.Driver = (*Driver)(nil)
	_ ports.Unit   = (*Unit)(nil)
)
