// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SetupOTelSDK bootstraps the trace, metric and log pipelines.
// The returned shutdown func flushes and stops all of them.
func SetupOTelSDK(ctx context.Context) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	traceExporter, err := stdouttrace.New()
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter, sdktrace.WithBatchTimeout(time.Second)),
	)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(time.Minute))),
	)
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	logExporter, err := stdoutlog.New()
	if err != nil {
		handleErr(err)
		return shutdown, err
	}
	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
	)
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return shutdown, nil
}

// InitializeWorkerCounters registers the counters the worker increments.
func InitializeWorkerCounters() {
	InitializeFloatCounter(CounterTasksTotal, "Total number of task runs started by the worker", "Task")
	InitializeFloatCounter(CounterTasksFailed, "Number of task runs that ended failed", "Task")
	InitializeFloatCounter(CounterTasksSucceeded, "Number of task runs that completed", "Task")
	InitializeFloatCounter(CounterTransitions, "Number of persisted task status transitions", "Transition")
	InitializeFloatCounter(CounterCaptchaAttempts, "Number of captcha solve attempts", "Attempt")
	InitializeFloatCounter(CounterDatabaseFailures, "Number of database update failures to the worker", "Task")
}

const (
	CounterTasksTotal       = "worker_tasks_total"
	CounterTasksFailed      = "worker_tasks_failed"
	CounterTasksSucceeded   = "worker_tasks_succeeded"
	CounterTransitions      = "worker_task_transitions"
	CounterCaptchaAttempts  = "worker_captcha_attempts"
	CounterDatabaseFailures = "worker_database_update_failures"
)
