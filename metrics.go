/*-
 * Copyright 2015 Square Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package main

import (
	"log"
	"net"
	"net/http"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/rcrowley/go-metrics"
	sqmetrics "github.com/square/go-sq-metrics"
)

// metricsReporter exports the default go-metrics registry: as JSON on
// /_metrics (and optionally POSTed to a URL), in Prometheus format on
// /_prometheus and optionally to graphite.
type metricsReporter struct {
	json       *sqmetrics.SquareMetrics
	prometheus http.Handler
}

func newMetricsReporter(prefix, url string, graphiteAddr *net.TCPAddr, logger *log.Logger) (*metricsReporter, error) {
	if graphiteAddr != nil {
		logger.Printf("metrics enabled; reporting metrics via TCP to %s", graphiteAddr)
		go graphite.Graphite(metrics.DefaultRegistry, 1*time.Second, prefix, graphiteAddr)
	}
	if url != "" {
		logger.Printf("metrics enabled; reporting metrics via POST to %s", url)
	}

	// Always keep the prometheus registry up to date. The overhead is minimal,
	// an in-memory map is updated with the values.
	registry := prometheus.NewRegistry()
	provider := prometheusmetrics.NewPrometheusProvider(metrics.DefaultRegistry, prefix, "", registry, 1*time.Second)
	if err := provider.UpdatePrometheusMetricsOnce(); err != nil {
		return nil, errors.Wrap(err, "unable to export prometheus metrics")
	}
	go provider.UpdatePrometheusMetrics()

	return &metricsReporter{
		json:       sqmetrics.NewMetrics(url, prefix, http.DefaultClient, 30*time.Second, metrics.DefaultRegistry, logger),
		prometheus: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

func (m *metricsReporter) register(mux *http.ServeMux) {
	mux.Handle("/_metrics", m.json)
	mux.Handle("/_prometheus", m.prometheus)
}
