package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/automatedhome/tank/pkg/config"
	"github.com/automatedhome/tank/pkg/dispatcher"
	"github.com/automatedhome/tank/pkg/feed"
	"github.com/automatedhome/tank/pkg/homeassistant"
	"github.com/automatedhome/tank/pkg/publisher"
	"github.com/automatedhome/tank/pkg/tank"
)

var (
	configClient *config.Config
	controller   *tank.Controller
)

func httpStatus(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(controller.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(js)
	if err != nil {
		log.Println(err)
	}
}

func httpHealthCheck(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(1 * time.Minute)
	if controller.Healthy(timeout) {
		w.WriteHeader(200)
	} else {
		w.WriteHeader(500)
	}
}

func init() {
	configFile := flag.String("config", "", "Provide configuration file (defaults are used when empty)")
	name := flag.String("name", "", "Device name, also used as the MQTT function topic (default: random JTank name)")
	broker := flag.String("mqtt-broker", "", "MQTT broker address (default: tcp://localhost:1883)")
	haddr := flag.String("homeassistant-address", "", "HomeAssistant API address, empty disables state mirroring")
	htoken := flag.String("homeassistant-token", "", "HomeAssistant API token")
	flag.Parse()

	var err error
	configClient, err = config.NewConfig(*configFile)
	if err != nil {
		log.Fatalf("Error synthesizing configuration: %v", err)
	}

	configClient.SetName(*name)
	configClient.SetBroker(*broker)
	configClient.SetHomeAssistant(*haddr, *htoken)
}

func main() {
	reg := prometheus.NewRegistry()
	promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	name := configClient.GetName()
	mqttCfg := configClient.GetMQTT()
	tankCfg := configClient.GetTank()

	hub := feed.NewHub()
	defer hub.Close()

	publishers := publisher.Multi{
		publisher.NewMQTT(mqttCfg.Broker, name, mqttCfg.Timeout),
		hub,
	}
	if hass := configClient.GetHomeAssistant(); hass.Address != "" {
		log.Printf("Mirroring tank level to HomeAssistant entity %s", hass.Entity)
		publishers = append(publishers, homeassistant.NewClient(hass.Address, hass.Token, hass.Entity))
	}

	controller = tank.NewController(publishers,
		tank.WithPeriod(tankCfg.Period),
		tank.WithSteps(tankCfg.FillStep, tankCfg.DrainStep),
		tank.WithPublishTimeout(mqttCfg.Timeout),
		tank.WithMetrics(tank.NewMetrics(reg)),
	)

	go func() {
		// Expose metrics
		http.Handle("/metrics", promHandler)
		// Expose config
		http.HandleFunc("/config", configClient.ExposeSettingsOnHTTP)
		// Report current tank state
		http.HandleFunc("/status", httpStatus)
		// Stream status updates
		http.Handle("/ws", hub)
		// Expose healthcheck
		http.HandleFunc("/health", httpHealthCheck)
		err := http.ListenAndServe(configClient.GetHTTP().Address, nil)
		if err != nil {
			panic("HTTP Server failed: " + err.Error())
		}
	}()

	d := dispatcher.NewForTank(name, controller)
	if err := d.Connect(mqttCfg.Broker); err != nil {
		log.Fatalf("Error connecting function dispatcher: %v", err)
	}

	log.Printf("Starting tank %s, status topic %s", name, publisher.StatusTopic(name))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Terminating tank")
	d.Disconnect()
	controller.Shutdown()
}
