package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsExportsCountersAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewCronJobMetrics(reg)
	job := "subscription-resolver"
	metrics.ObserveDuration(job, 250*time.Millisecond)
	metrics.IncSuccess(job, time.Unix(1700000000, 0))
	metrics.IncFailure(job)
	metrics.IncLeaseHeld(job)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "contratapro_job_success_total", "job", job); err != nil {
		t.Fatalf("fetch success: %v", err)
	} else if got != 1 {
		t.Fatalf("expected success=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "contratapro_job_failure_total", "job", job); err != nil {
		t.Fatalf("fetch failure: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failure=1, got %f", got)
	}

	if got, err := fetchCounterValue(mfs, "contratapro_job_lease_held_total", "job", job); err != nil {
		t.Fatalf("fetch lease held: %v", err)
	} else if got != 1 {
		t.Fatalf("expected lease held=1, got %f", got)
	}

	if got, err := fetchHistogramSum(mfs, "contratapro_job_duration_seconds", "job", job); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got <= 0 {
		t.Fatalf("expected duration sum > 0, got %f", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var cron *CronJobMetrics
	cron.ObserveDuration("x", time.Second)
	cron.IncSuccess("x", time.Now())
	cron.IncFailure("x")
	cron.IncLeaseHeld("x")

	var resolver *ResolverMetrics
	resolver.AddRows("x", OutcomeProcessed, 1)
	resolver.ObservePass("x", time.Second)

	NewCronJobMetrics(nil).IncFailure("x")
	NewResolverMetrics(nil).AddRows("x", OutcomeFailed, 2)
}

func TestResolverMetricsCountsRowsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewResolverMetrics(reg)
	m.AddRows("scheduled_cancellations", OutcomeProcessed, 3)
	m.AddRows("scheduled_cancellations", OutcomeFailed, 1)
	m.AddRows("scheduled_cancellations", OutcomeSkipped, 0)
	m.ObservePass("scheduled_cancellations", 40*time.Millisecond)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	mf := findMetricFamily(mfs, "contratapro_resolver_rows_total")
	if mf == nil {
		t.Fatal("rows metric not found")
	}
	values := map[string]float64{}
	for _, metric := range mf.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "outcome" {
				values[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if values[OutcomeProcessed] != 3 || values[OutcomeFailed] != 1 {
		t.Fatalf("unexpected row counters %v", values)
	}
	if _, ok := values[OutcomeSkipped]; ok {
		t.Fatalf("zero adds should not create a series")
	}
	if got, err := fetchHistogramSum(mfs, "contratapro_resolver_pass_duration_seconds", "pass", "scheduled_cancellations"); err != nil || got <= 0 {
		t.Fatalf("expected pass duration recorded, got %f err=%v", got, err)
	}
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
