// Command plcsim simulates the controller: it keeps the file image moving or
// publishes per-location point tables over MQTT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/scada-core/controller"
	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/point"
)

var log = logger.Named("plcsim")

func main() {
	defs := flag.String("defs", "data/points.json", "point definitions used to seed the image")
	mode := flag.String("mode", "file", "output mode: file, mqtt")
	out := flag.String("out", "data/plc.json", "controller image written in file mode")
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	prefix := flag.String("prefix", "plc", "topic prefix, tables go to <prefix>/<loc>/points")
	settings := flag.String("settings", "plc/settings", "topic carrying threshold edits")
	commands := flag.String("commands", "plc/commands", "topic carrying value writes")
	interval := flag.Duration("interval", time.Second, "step interval")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	doc, err := point.ReadFile(*defs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read definitions: %v\n", err)
		os.Exit(1)
	}
	sim := NewSimulator(*seed)

	switch *mode {
	case "file":
		err = runFile(ctx, sim, doc, *out, *interval)
	case "mqtt":
		err = runMQTT(ctx, sim, controller.Seed(doc), mqttOptions{
			broker:   *broker,
			username: *username,
			password: *password,
			prefix:   *prefix,
			settings: *settings,
			commands: *commands,
		}, *interval)
	default:
		err = fmt.Errorf("unknown mode %q, use file or mqtt", *mode)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runFile re-reads the image every step so threshold edits written by the
// runtime are kept.
func runFile(ctx context.Context, sim *Simulator, defs *point.Document, path string, interval time.Duration) error {
	feed := controller.NewFileFeed(path)
	if _, err := feed.SeedIfMissing(defs); err != nil {
		return err
	}
	log.Info("Simulating %s every %v", path, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			img, err := feed.Load(ctx)
			if err != nil {
				log.Warn("Skipping step: %v", err)
				continue
			}
			if n := sim.Advance(img, now); n > 0 {
				if err := point.WriteFile(path, img); err != nil {
					log.Error("Failed to write image: %v", err)
				}
			}
		}
	}
}

type mqttOptions struct {
	broker   string
	username string
	password string
	prefix   string
	settings string
	commands string
}

func runMQTT(ctx context.Context, sim *Simulator, img *point.Document, o mqttOptions, interval time.Duration) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(o.broker)
	opts.SetClientID(fmt.Sprintf("scada-plcsim-%d", time.Now().Unix()))
	if o.username != "" {
		opts.SetUsername(o.username)
		opts.SetPassword(o.password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("Connection lost: %v", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to %s: %w", o.broker, token.Error())
	}
	defer client.Disconnect(250)
	log.Info("Connected to MQTT broker %s", o.broker)

	var mu sync.Mutex
	handlers := map[string]func(payload []byte) (bool, error){
		o.settings: func(payload []byte) (bool, error) {
			return ApplySettings(img, payload)
		},
		o.commands: func(payload []byte) (bool, error) {
			return ApplyCommand(img, payload, time.Now())
		},
	}
	for topic, apply := range handlers {
		if topic == "" {
			continue
		}
		token := client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
			mu.Lock()
			defer mu.Unlock()
			ok, err := apply(msg.Payload())
			switch {
			case err != nil:
				log.Error("Bad payload on %s: %v", topic, err)
			case !ok:
				log.Warn("Payload on %s for unknown point ignored", topic)
			}
		})
		if token.Wait() && token.Error() != nil {
			return fmt.Errorf("subscribe %s: %w", topic, token.Error())
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			mu.Lock()
			sim.Advance(img, now)
			tables := ByLocation(img)
			mu.Unlock()

			for _, loc := range locations(tables) {
				payload, err := json.Marshal(tables[loc])
				if err != nil {
					log.Error("Encode %s: %v", loc, err)
					continue
				}
				topic := fmt.Sprintf("%s/%s/points", o.prefix, loc)
				if token := client.Publish(topic, 0, false, payload); token.Wait() && token.Error() != nil {
					log.Error("Publish %s: %v", topic, token.Error())
				}
			}
		}
	}
}
