// Command sipi_logger records the sipi status stream to InfluxDB.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/w1xm/sitech_interface/internal/config"
)

var (
	configPath = flag.String("config", "", "path to sipi YAML configuration file")
	address    = flag.String("address", "", "sipi status websocket URL")
)

const measurement = "sipi.status"

func influxConfig() (config.InfluxConfig, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.InfluxConfig{}, err
		}
	}
	in := cfg.Influx
	if v := os.Getenv("INFLUX_SERVER"); v != "" {
		in.Server = v
	}
	if v := os.Getenv("INFLUX_TOKEN"); v != "" {
		in.Token = v
	}
	if in.Server == "" {
		in.Server = "http://localhost:9999"
	}
	if in.Org == "" {
		in.Org = "w1xm"
	}
	if in.Bucket == "" {
		in.Bucket = "sipi.raw"
	}
	return in, nil
}

func statusURL() string {
	if *address != "" {
		return *address
	}
	if url := os.Getenv("SIPI_ADDRESS"); url != "" {
		return url
	}
	return "ws://localhost:8502/api/ws"
}

func main() {
	flag.Parse()
	in, err := influxConfig()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	// Create client
	client := influxdb2.NewClient(in.Server, in.Token)
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(in.Org, in.Bucket)
	defer writeApi.Close()
	// Get errors channel
	errorsCh := writeApi.Errors()
	// Create go proc for reading and logging errors
	go func() {
		for err := range errorsCh {
			log.Printf("write error: %v", err)
		}
	}()
	url := statusURL()
	for {
		if err := logData(writeApi, url); err != nil {
			log.Print(err)
		}
		time.Sleep(1 * time.Second)
	}
}

func flattenStatus(fields map[string]interface{}, status interface{}, prefix string) {
	switch status := status.(type) {
	case map[string]interface{}:
		for k, v := range status {
			flattenStatus(fields, v, prefix+"."+k)
		}
	case []interface{}:
		for k, v := range status {
			flattenStatus(fields, v, fmt.Sprintf("%s.%d", prefix, k))
		}
	case nil:
	default:
		fields[prefix[1:]] = status
	}
}

func logData(writeApi api.WriteApi, url string) error {
	defer writeApi.Flush()
	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")

		p := influxdb2.NewPoint(measurement,
			nil,
			fields,
			time.Now(),
		)
		// write asynchronously
		writeApi.WritePoint(p)
	}
}
