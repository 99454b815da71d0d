// Copyright 2024 Forgewatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The pipeline binary runs the full monitoring pipeline: protocol
// ingestion, rule evaluation, alert lifecycle, escalation and
// notification fan-out, with the web surface in front.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/forgewatch/forge-engine/pkg/alert"
	"github.com/forgewatch/forge-engine/pkg/cache"
	"github.com/forgewatch/forge-engine/pkg/config"
	"github.com/forgewatch/forge-engine/pkg/escalate"
	"github.com/forgewatch/forge-engine/pkg/ingest"
	"github.com/forgewatch/forge-engine/pkg/notify"
	"github.com/forgewatch/forge-engine/pkg/retention"
	"github.com/forgewatch/forge-engine/pkg/rules"
	"github.com/forgewatch/forge-engine/pkg/store"
	"github.com/forgewatch/forge-engine/pkg/tenant"
	"github.com/forgewatch/forge-engine/pkg/web"
)

func main() {
	a := kingpin.New("pipeline", "The Forgewatch monitoring pipeline.")

	dbDSN := a.Flag("db.dsn", "Database connection string.").
		Envar("DB_DSN").Required().String()
	cacheURL := a.Flag("cache.url", "Redis cache URL. Empty disables the cache.").
		Envar("CACHE_URL").String()
	smtpURL := a.Flag("smtp.url", "SMTP relay URL for the email channel. Empty disables email.").
		Envar("SMTP_URL").String()
	listenAddress := a.Flag("web.listen-address", "Address the web surface binds to.").
		Default(":9090").String()
	overridesFile := a.Flag("config.overrides", "Path to the overrides YAML, reloaded on SIGHUP and POST /-/reload.").
		String()

	scheduleSeconds := a.Flag("rules.schedule-interval-seconds", "Base rule evaluation cadence in seconds.").
		Envar("SCHEDULE_INTERVAL_SECONDS").Default("30").Int()
	webhookRate := a.Flag("webhook.rate-per-second", "Webhook requests per second per destination URL.").
		Envar("WEBHOOK_RATE_PER_SECOND").Default("1").Float64()
	apiRate := a.Flag("api.rate-per-second", "API requests per second per tenant. Zero disables limiting.").
		Envar("API_RATE_PER_SECOND").Default("50").Float64()
	apiBurst := a.Flag("api.rate-burst", "API request burst per tenant.").
		Envar("API_RATE_BURST").Default("100").Int()
	graceSeconds := a.Flag("shutdown.grace-seconds", "How long in-flight work may drain on shutdown.").
		Envar("SHUTDOWN_GRACE_SECONDS").Default("30").Int()
	enforcement := a.Flag("tenant.enforcement", "Tenant scoping mode.").
		Envar("TENANT_ENFORCEMENT").Default(string(tenant.EnforcementStrict)).
		Enum(string(tenant.EnforcementStrict), string(tenant.EnforcementPermissive))

	mqttBroker := a.Flag("mqtt.broker-url", "MQTT broker URL. Empty disables the adapter.").String()
	mqttClientID := a.Flag("mqtt.client-id", "MQTT client id.").Default("forgewatch-pipeline").String()
	mqttUsername := a.Flag("mqtt.username", "MQTT username.").String()
	mqttPassword := a.Flag("mqtt.password", "MQTT password.").String()
	amqpURL := a.Flag("amqp.url", "AMQP broker URL. Empty disables the adapter.").String()
	amqpQueues := a.Flag("amqp.queue", "AMQP ingest queue. Repeatable.").Strings()
	coapAddr := a.Flag("coap.listen-address", "CoAP UDP listen address. Empty disables the adapter.").String()
	opcuaAddr := a.Flag("opcua.listen-address", "OPC-UA server listen address. Empty disables the adapter.").String()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "parsing flags failed", "err", err)
		os.Exit(2)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Startup values from the overrides file; the reload manager keeps
	// applying it afterwards.
	overrides, err := config.Load(*overridesFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading overrides failed", "path", *overridesFile, "err", err)
		os.Exit(1)
	}

	st, err := store.Open(logger, store.Options{
		DSN:         *dbDSN,
		Enforcement: tenant.Enforcement(*enforcement),
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening store failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	ca, err := cache.New(logger, metrics, *cacheURL)
	if err != nil {
		_ = level.Error(logger).Log("msg", "opening cache failed", "err", err)
		os.Exit(1)
	}
	defer ca.Close()

	resolver := tenant.NewResolver(st)
	hub := notify.NewHub(logger, metrics)
	dispatcher := notify.NewDispatcher(logger, metrics, st, hub)
	webhookCh := notify.NewWebhookChannel(logger, notify.WebhookOptions{
		RatePerSecond: *webhookRate,
		TestHosts:     overrides.Webhook.TestHosts,
	})
	dispatcher.Register(webhookCh, 0, 0)
	dispatcher.Register(notify.NewPushChannel(hub), 0, 0)
	if *smtpURL != "" {
		emailCh, err := notify.NewEmailChannel(logger, *smtpURL)
		if err != nil {
			_ = level.Error(logger).Log("msg", "building email channel failed", "err", err)
			os.Exit(1)
		}
		dispatcher.Register(emailCh, 0, 0)
	}

	engine := escalate.NewEngine(logger, metrics, st, dispatcher)
	defaultSLA := alert.DefaultSLATargets()
	core := alert.NewCore(logger, metrics, alert.Options{
		Grouping:  overrides.GroupingOptions(),
		SLA:       defaultSLA,
		TenantSLA: overrides.TenantSLA(defaultSLA),
	}, st, dispatcher, engine)
	slaSweeper := alert.NewSweeper(logger, metrics, alert.SweeperOptions{
		MaxNewAge: overrides.Alerts.MaxNewAge.Std(),
	}, st, core, engine)

	evaluator := rules.NewEvaluator(st, ca)
	scheduler := rules.NewScheduler(logger, metrics, rules.SchedulerOptions{
		Interval:        time.Duration(*scheduleSeconds) * time.Second,
		TenantIntervals: overrides.TenantCadence(),
	}, st, ca, evaluator, core)

	retDefault, retOverrides := overrides.RetentionOptions()
	retSweeper := retention.NewSweeper(logger, metrics, retention.SweeperOptions{
		Default:   retDefault,
		Overrides: retOverrides,
	}, st)

	ingestMetrics := ingest.NewMetrics(metrics)
	pipeline := ingest.NewPipeline(logger, st, ca, resolver, overrides.Validation(), ingestMetrics)

	manager := config.NewManager(logger, metrics, *overridesFile,
		config.Reloader{Name: "ingest-validation", Apply: func(o *config.Overrides) error {
			pipeline.SetValidation(o.Validation())
			return nil
		}},
		config.Reloader{Name: "tenant-sla", Apply: func(o *config.Overrides) error {
			core.SetTenantSLA(o.TenantSLA(defaultSLA))
			return nil
		}},
		config.Reloader{Name: "tenant-cadence", Apply: func(o *config.Overrides) error {
			scheduler.SetTenantIntervals(o.TenantCadence())
			return nil
		}},
		config.Reloader{Name: "retention", Apply: func(o *config.Overrides) error {
			def, per := o.RetentionOptions()
			retSweeper.SetPolicies(def, per)
			return nil
		}},
		config.Reloader{Name: "webhook-test-hosts", Apply: func(o *config.Overrides) error {
			webhookCh.SetTestHosts(o.Webhook.TestHosts)
			return nil
		}},
		config.Reloader{Name: "alert-expiry", Apply: func(o *config.Overrides) error {
			slaSweeper.SetMaxNewAge(o.Alerts.MaxNewAge.Std())
			return nil
		}},
	)

	var apiLimiter tenant.RateLimiter
	if *apiRate > 0 {
		apiLimiter = tenant.NewTokenBucket(*apiRate, *apiBurst)
	}
	handler := web.New(logger, web.Options{
		Store:       st,
		Lifecycle:   core,
		Resolver:    resolver,
		Hub:         hub,
		Reload:      manager.Reload,
		Registry:    metrics,
		RateLimiter: apiLimiter,
	})

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return manager.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return dispatcher.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return engine.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return scheduler.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return slaSweeper.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return retSweeper.Run(ctx) }, func(error) { cancel() })
	}
	if *mqttBroker != "" {
		adapter := ingest.NewMQTTAdapter(logger, ingest.MQTTOptions{
			BrokerURL: *mqttBroker,
			ClientID:  *mqttClientID,
			Username:  *mqttUsername,
			Password:  *mqttPassword,
		}, pipeline, ingestMetrics)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return adapter.Run(ctx) }, func(error) { cancel() })
	}
	if *amqpURL != "" {
		adapter := ingest.NewAMQPAdapter(logger, ingest.AMQPOptions{
			URL:    *amqpURL,
			Queues: *amqpQueues,
		}, pipeline, ingestMetrics)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return adapter.Run(ctx) }, func(error) { cancel() })
	}
	if *coapAddr != "" {
		adapter := ingest.NewCoAPAdapter(logger, ingest.CoAPOptions{
			Addr: *coapAddr,
		}, pipeline, ingestMetrics)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return adapter.Run(ctx) }, func(error) { cancel() })
	}
	if *opcuaAddr != "" {
		adapter := ingest.NewOPCUAAdapter(logger, ingest.OPCUAOptions{
			Addr: *opcuaAddr,
		}, pipeline, st, ingestMetrics)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return adapter.Run(ctx) }, func(error) { cancel() })
	}
	{
		srv := &http.Server{Addr: *listenAddress, Handler: handler}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "web surface listening", "address", *listenAddress)
			return srv.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*graceSeconds)*time.Second)
			defer cancel()
			hub.CloseAll()
			if err := srv.Shutdown(ctx); err != nil {
				_ = level.Warn(logger).Log("msg", "web shutdown incomplete", "err", err)
			}
		})
	}

	if err := g.Run(); err != nil {
		if _, ok := err.(run.SignalError); ok {
			_ = level.Info(logger).Log("msg", "shutting down", "reason", err)
			return
		}
		_ = level.Error(logger).Log("msg", "pipeline exited with error", "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
