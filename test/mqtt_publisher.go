package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// writePayload is the body accepted on {prefix}/{path}/set
type writePayload struct {
	Value interface{} `json:"value"`
}

// valuePayload is the body relay-sync publishes on {prefix}/{path}
type valuePayload struct {
	Value     interface{} `json:"value"`
	Quality   string      `json:"quality"`
	Timestamp string      `json:"timestamp"`
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	prefix := flag.String("prefix", "relay-sync", "topic prefix")
	paths := flag.String("paths", "Press1/Setpoint", "comma separated tag paths")
	mode := flag.String("mode", "burst", "mode: single, burst, continuous, watch")
	count := flag.Int("count", 10, "writes per path in burst mode")
	gap := flag.Duration("gap", 20*time.Millisecond, "delay between writes in burst mode")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("relay-sync-test-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to MQTT broker: %v\n", token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to MQTT broker: %s\n", *broker)

	targets := strings.Split(*paths, ",")

	switch *mode {
	case "single":
		publishWrite(client, *prefix, targets[0], rand.Intn(100))
	case "burst":
		publishBurst(client, *prefix, targets, *count, *gap)
	case "continuous":
		publishContinuous(client, *prefix, targets)
	case "watch":
		watchConfirmations(client, *prefix)
	default:
		fmt.Println("unknown mode, use single, burst, continuous or watch")
		os.Exit(1)
	}

	client.Disconnect(250)
}

func publishWrite(client paho.Client, prefix, path string, value interface{}) {
	topic := fmt.Sprintf("%s/%s/set", prefix, path)
	data, err := json.Marshal(writePayload{Value: value})
	if err != nil {
		fmt.Printf("failed to encode write: %v\n", err)
		return
	}

	token := client.Publish(topic, 1, false, data)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("failed to publish write: %v\n", token.Error())
		return
	}
	fmt.Printf("wrote %s: %s\n", topic, string(data))
}

// publishBurst sends count writes per path in quick succession. With a
// buffer window configured only the last value per path reaches the relay.
func publishBurst(client paho.Client, prefix string, paths []string, count int, gap time.Duration) {
	for i := 1; i <= count; i++ {
		for _, path := range paths {
			publishWrite(client, prefix, path, i)
		}
		time.Sleep(gap)
	}
	fmt.Printf("burst done, expect final value %d on %d paths\n", count, len(paths))
}

func publishContinuous(client paho.Client, prefix string, paths []string) {
	for _, path := range paths {
		go func(path string) {
			for {
				publishWrite(client, prefix, path, rand.Intn(1000))
				time.Sleep(time.Duration(2+rand.Intn(5)) * time.Second)
			}
		}(path)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("disconnecting...")
}

// watchConfirmations prints value and status messages published by relay-sync
func watchConfirmations(client paho.Client, prefix string) {
	topic := prefix + "/#"
	token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		if strings.HasSuffix(msg.Topic(), "/set") {
			return
		}
		var v valuePayload
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			fmt.Printf("%s: unreadable payload %q\n", msg.Topic(), string(msg.Payload()))
			return
		}
		fmt.Printf("%s = %v [%s] %s\n", msg.Topic(), v.Value, v.Quality, v.Timestamp)
	})
	if token.Wait() && token.Error() != nil {
		fmt.Printf("failed to subscribe to %s: %v\n", topic, token.Error())
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}
