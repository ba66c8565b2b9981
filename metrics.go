/*
 *
 * Copyright 2025 The shmlink Authors.
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
 *
 */

package shmlink

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/shmlink/shmlink"

// contextMetrics holds the hot-path instruments of one Context. The global
// meter provider defaults to a no-op, so an application that never installs
// a provider pays only the counter call overhead.
type contextMetrics struct {
	sent           metric.Int64Counter
	dispatched     metric.Int64Counter
	dispatchErrors metric.Int64Counter

	controlAttrs  metric.MeasurementOption
	feedbackAttrs metric.MeasurementOption
}

func newContextMetrics(name string) *contextMetrics {
	meter := otel.Meter(meterName)
	m := &contextMetrics{
		controlAttrs: metric.WithAttributes(
			attribute.String("shmlink.context", name),
			attribute.String("shmlink.channel", "control"),
		),
		feedbackAttrs: metric.WithAttributes(
			attribute.String("shmlink.context", name),
			attribute.String("shmlink.channel", "feedback"),
		),
	}

	var err error
	if m.sent, err = meter.Int64Counter("shmlink.messages.sent",
		metric.WithDescription("Frames committed into a channel."),
	); err != nil {
		otel.Handle(err)
	}
	if m.dispatched, err = meter.Int64Counter("shmlink.messages.dispatched",
		metric.WithDescription("Frames resolved and handed to a callback."),
	); err != nil {
		otel.Handle(err)
	}
	if m.dispatchErrors, err = meter.Int64Counter("shmlink.dispatch.errors",
		metric.WithDescription("Dispatch loop failures, by channel."),
	); err != nil {
		otel.Handle(err)
	}
	return m
}

func (m *contextMetrics) addSent(attrs metric.MeasurementOption) {
	m.sent.Add(context.Background(), 1, attrs)
}

func (m *contextMetrics) addDispatched(attrs metric.MeasurementOption) {
	m.dispatched.Add(context.Background(), 1, attrs)
}

func (m *contextMetrics) addDispatchError(attrs metric.MeasurementOption) {
	m.dispatchErrors.Add(context.Background(), 1, attrs)
}
