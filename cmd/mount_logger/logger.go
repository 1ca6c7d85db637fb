// Command mount_logger copies the mountd status stream into InfluxDB.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
)

var (
	statusURL = flag.String("status", envOr("MOUNTD_ADDRESS", "ws://localhost:8503/api/ws"), "mountd status websocket")
	server    = flag.String("influx", envOr("INFLUX_SERVER", "http://localhost:9999"), "InfluxDB server")
	org       = flag.String("org", "w1xm", "InfluxDB organization")
	bucket    = flag.String("bucket", "mount.raw", "InfluxDB bucket")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := influxdb2.NewClient(*server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()
	// Get non-blocking write client
	writeApi := client.WriteApi(*org, *bucket)
	go func() {
		for err := range writeApi.Errors() {
			log.Printf("write error: %v", err)
		}
	}()
	for ctx.Err() == nil {
		if err := logData(ctx, writeApi); err != nil {
			log.Print(err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(1 * time.Second):
		}
	}
}

// flattenStatus stores every leaf of status in fields under its dotted path.
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
		if prefix != "" {
			fields[prefix[1:]] = status
		}
	}
}

func logData(ctx context.Context, writeApi api.WriteApi) error {
	defer writeApi.Flush()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *statusURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	for {
		var status interface{}
		if err := conn.ReadJSON(&status); err != nil {
			return err
		}
		fields := make(map[string]interface{})
		flattenStatus(fields, status, "")
		if len(fields) == 0 {
			continue
		}
		// write asynchronously
		writeApi.WritePoint(influxdb2.NewPoint("mount.status", nil, fields, time.Now()))
	}
}
