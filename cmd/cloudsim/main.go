// Command cloudsim serves random Shelly cloud device states for local trials
// of shellyd, and can print the readings shellyd publishes over MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
)

func main() {
	listen := flag.String("listen", ":8080", "address to serve the cloud API on")
	key := flag.String("key", "secret", "expected auth_key")
	drop := flag.Float64("drop", 0, "probability of omitting temperature:0 from a device status")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	watch := flag.String("watch", "", "MQTT broker to watch for published readings, e.g. tcp://localhost:1883")
	topic := flag.String("topic", "shellyd/#", "topic filter used with -watch")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch != "" {
		client, err := watchReadings(*watch, *topic)
		if err != nil {
			fmt.Printf("failed to watch %s: %v\n", *watch, err)
			os.Exit(1)
		}
		defer client.Disconnect(250)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), gin.Logger())
	newSimulator(*key, *drop, *seed).routes(engine)

	srv := &http.Server{Addr: *listen, Handler: engine}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("cloud simulator listening on %s\n", *listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Printf("server failed: %v\n", err)
		os.Exit(1)
	}
}

// watchReadings prints every message received on topic
func watchReadings(broker, topic string) (paho.Client, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("cloudsim-%d", time.Now().Unix()))
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
		fmt.Printf("[%s] %s: %s\n", time.Now().Format("15:04:05"), msg.Topic(), msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		client.Disconnect(250)
		return nil, token.Error()
	}

	fmt.Printf("watching %s on %s\n", topic, broker)
	return client, nil
}
