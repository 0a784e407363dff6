// Command tilegate instantiates a map definition against the rendering
// backend and prints the resolved tile URLs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tilegate/tilegate/config"
	"github.com/tilegate/tilegate/internal/bus"
	"github.com/tilegate/tilegate/internal/engine"
	"github.com/tilegate/tilegate/internal/observability"
	"github.com/tilegate/tilegate/internal/telemetry"
	"github.com/tilegate/tilegate/internal/windshaft"
)

const (
	defaultConfigPath  = "config/tilegate.yaml"
	instantiateTimeout = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

type fileDefinition struct {
	raw json.RawMessage
}

func (f *fileDefinition) Definition() (json.RawMessage, error) {
	return f.raw, nil
}

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the tilegate configuration file")
	definitionPath := flag.String("definition", "", "path to the map definition JSON file")
	statTag := flag.String("stat-tag", "", "override the configured stat tag")
	flag.Parse()

	logger := log.New(os.Stderr, "tilegate ", log.LstdFlags|log.Lmsgprefix)
	observability.SetLogger(observability.NewStdLogger(logger))

	if *definitionPath == "" {
		logger.Fatal("a -definition file is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	settings, err := config.FromFile(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *statTag != "" {
		settings.StatTag = *statTag
	}
	if err := settings.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.Enabled = settings.Telemetry.Enabled
	if settings.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = settings.Telemetry.OTLPEndpoint
	}
	telemetryCfg.OTLPInsecure = settings.Telemetry.OTLPInsecure
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	raw, err := os.ReadFile(*definitionPath)
	if err != nil {
		logger.Fatalf("read definition: %v", err)
	}
	if !json.Valid(raw) {
		logger.Fatalf("definition %s is not valid JSON", *definitionPath)
	}

	client := windshaft.NewHTTPClient(windshaft.ClientConfig{
		Endpoint:          settings.Endpoint(),
		BasePath:          settings.MapsAPIBasePath,
		Timeout:           settings.Client.HTTPTimeout,
		MaxRetries:        settings.Client.MaxRetries,
		RequestsPerSecond: settings.Client.RequestsPerSecond,
		RateBurst:         settings.Client.RateBurst,
	})

	eventBus := bus.NewMemoryBus(bus.MemoryConfig{
		BufferSize:    settings.Eventbus.BufferSize,
		FanoutWorkers: settings.Eventbus.FanoutWorkers,
	})
	defer eventBus.Close()

	eng := engine.New(engine.Config{
		Account:            settings.Account,
		URLTemplate:        settings.URLTemplate,
		BasePath:           settings.MapsAPIBasePath,
		StatTag:            settings.StatTag,
		APIKey:             settings.Credentials.APIKey,
		AuthToken:          settings.Credentials.AuthToken,
		InstantiationLimit: settings.InstantiationLimit,
		TrackerCapacity:    settings.TrackerCapacity,
	}, client, &fileDefinition{raw: raw}, engine.WithBus(eventBus))

	callCtx, callCancel := context.WithTimeout(ctx, instantiateTimeout)
	defer callCancel()

	select {
	case <-callCtx.Done():
		logger.Fatalf("instantiation timed out: %v", callCtx.Err())
	case result := <-eng.Create(callCtx, engine.CreateOptions{}):
		if len(result.Errors) > 0 {
			messages := make([]string, 0, len(result.Errors))
			for _, failure := range result.Errors {
				messages = append(messages, failure.Error())
			}
			logger.Fatalf("instantiation failed: %s", strings.Join(messages, "; "))
		}
	}

	meta := eng.Metadata()
	fmt.Printf("layergroup: %s\n", meta.LayerGroupID)
	for _, subhost := range eng.SupportedSubdomains() {
		base := eng.BaseURL(subhost)
		fmt.Printf("tiles: %s/{z}/{x}/{y}.png\n", base)
	}
	for _, layerType := range []string{"mapnik", "torque", "http"} {
		if indexes := eng.LayerIndexesByType(layerType); len(indexes) > 0 {
			fmt.Printf("%s layers at %v\n", layerType, indexes)
		}
	}
}
