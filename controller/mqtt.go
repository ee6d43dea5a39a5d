package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/scada-core/config"
	"github.com/eddielth/scada-core/errs"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/point"
)

var mqttLog = logger.Named("mqtt")

// MQTTFeed assembles the controller image from point tables published by
// gateways over MQTT. Every message merges into a cached image; Load serves
// the cache.
type MQTTFeed struct {
	client      mqtt.Client
	config      config.MQTTConfig
	transformer *Transformer

	mu      sync.RWMutex
	system  string
	order   []point.Key
	points  map[point.Key]point.Point
	updated time.Time
}

// NewMQTTFeed creates the feed. The broker connection is opened by Start.
func NewMQTTFeed(cfg config.MQTTConfig, tr *Transformer) (*MQTTFeed, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	f := &MQTTFeed{
		config:      cfg,
		transformer: tr,
		points:      make(map[point.Key]point.Point),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("scada-core-%d", time.Now().Unix())
	}
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		mqttLog.Error("connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		mqttLog.Info("trying to reconnect to broker...")
	})
	// resubscribe after every (re)connect; the session is not persistent
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		for _, topic := range cfg.Topics {
			if err := f.subscribe(c, topic); err != nil {
				mqttLog.Warn("failed to subscribe to topic %s: %v", topic, err)
			}
		}
	})

	f.client = mqtt.NewClient(opts)
	return f, nil
}

// Start connects to the broker
func (f *MQTTFeed) Start(ctx context.Context) error {
	token := f.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("connection to MQTT broker timed out")
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	mqttLog.Info("successfully connected to MQTT broker: %s", f.config.Broker)
	return nil
}

func (f *MQTTFeed) subscribe(c mqtt.Client, topic string) error {
	token := c.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		mqttLog.Debug("received message from topic %s", msg.Topic())
		if err := f.handleMessage(msg.Topic(), msg.Payload()); err != nil {
			mqttLog.Error("dropping payload from %s: %v", msg.Topic(), err)
		}
	})

	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return err
	}

	mqttLog.Info("successfully subscribed to topic: %s", topic)
	return nil
}

// handleMessage merges one published table into the cached image.
func (f *MQTTFeed) handleMessage(topic string, payload []byte) error {
	var (
		doc *point.Document
		err error
	)
	f.mu.RLock()
	tr := f.transformer
	f.mu.RUnlock()
	if tr != nil {
		doc, err = tr.Transform(topic, payload)
	} else {
		doc, err = point.Decode(payload, false)
	}
	if err != nil {
		return err
	}

	loc := LocationFromTopic(topic)

	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.System != "" {
		f.system = doc.System
	}
	for _, p := range doc.Points {
		if p.Loc == "" {
			p.Loc = loc
		}
		if p.Tag == "" {
			continue
		}
		key := p.Key()
		if _, seen := f.points[key]; !seen {
			f.order = append(f.order, key)
		}
		f.points[key] = p
	}
	f.updated = time.Now()
	return nil
}

// Load returns the cached image. Until a first table arrives there is no image.
func (f *MQTTFeed) Load(_ context.Context) (*point.Document, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.order) == 0 {
		return nil, errs.New(errs.KindUnavailable, "controller", "Load", errs.ErrNoImage)
	}
	doc := &point.Document{System: f.system, Points: make([]point.Point, 0, len(f.order))}
	for _, key := range f.order {
		doc.Points = append(doc.Points, f.points[key])
	}
	return doc, nil
}

// settingsMessage is published on the settings topic for the controller to apply.
type settingsMessage struct {
	Loc string `json:"loc"`
	Tag string `json:"tag"`
	point.Limits
}

// UpdateLimits publishes new thresholds to the controller and applies them to
// the cached image so the next Load already carries them.
func (f *MQTTFeed) UpdateLimits(ctx context.Context, key point.Key, limits point.Limits) error {
	f.mu.Lock()
	if p, ok := f.points[key]; ok {
		p.Merge(limits)
		f.points[key] = p
	}
	f.mu.Unlock()

	return f.publish(ctx, "UpdateLimits", f.config.SettingsTopic, settingsMessage{Loc: key.Loc, Tag: key.Tag, Limits: limits})
}

// commandMessage is published on the command topic to set a controller value.
type commandMessage struct {
	Loc   string  `json:"loc"`
	Tag   string  `json:"tag"`
	Value float64 `json:"value"`
}

// WriteValue applies value to the cached image and publishes it as a command.
// Points the gateways never reported are unknown.
func (f *MQTTFeed) WriteValue(ctx context.Context, key point.Key, value float64, ts string) (point.Point, error) {
	p, err := f.edit("WriteValue", key, func(p *point.Point) {
		p.Value = value
		p.Quality = point.QualityGood
		p.TS = ts
	})
	if err != nil {
		return point.Point{}, err
	}
	if err := f.publish(ctx, "WriteValue", f.config.CommandTopic, commandMessage{Loc: key.Loc, Tag: key.Tag, Value: value}); err != nil {
		return point.Point{}, err
	}
	return p, nil
}

// Touch refreshes a cached timestamp. The next table from the gateway wins.
func (f *MQTTFeed) Touch(_ context.Context, key point.Key, ts string) (point.Point, error) {
	return f.edit("Touch", key, func(p *point.Point) {
		p.TS = ts
	})
}

func (f *MQTTFeed) edit(op string, key point.Key, fn func(p *point.Point)) (point.Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.points[key]
	if !ok {
		return point.Point{}, errs.NotFound("controller", op, errs.ErrPointNotFound, "%s", key)
	}
	fn(&p)
	f.points[key] = p
	return p, nil
}

// publish sends v as JSON on topic. Without a topic or a live connection the
// message is dropped and only the cache changes.
func (f *MQTTFeed) publish(ctx context.Context, op, topic string, v any) error {
	if topic == "" || f.client == nil || !f.client.IsConnectionOpen() {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	token := f.client.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errs.Transient("controller", op, fmt.Errorf("publish to %s timed out", topic))
	}
	if err := token.Error(); err != nil {
		return errs.Transient("controller", op, err)
	}
	return nil
}

// ReloadTransformer swaps the payload script. An empty configuration goes
// back to decoding payloads as point tables.
func (f *MQTTFeed) ReloadTransformer(cfg config.Transformer) error {
	var tr *Transformer
	if cfg.ScriptCode != "" || cfg.ScriptPath != "" {
		var err error
		if tr, err = NewTransformer(cfg); err != nil {
			return fmt.Errorf("reload transformer: %w", err)
		}
	}

	f.mu.Lock()
	f.transformer = tr
	f.mu.Unlock()

	mqttLog.Info("payload transformer reloaded")
	return nil
}

// Close disconnects from the broker
func (f *MQTTFeed) Close() error {
	if f.client != nil && f.client.IsConnected() {
		f.client.Disconnect(250)
		mqttLog.Info("disconnected from MQTT broker")
	}
	return nil
}

// LocationFromTopic extracts the location from topics shaped
// "<prefix>/<loc>/<suffix>", e.g. plc/NBT/points.
func LocationFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 && parts[1] != "" && parts[1] != "+" {
		return parts[1]
	}
	return ""
}
