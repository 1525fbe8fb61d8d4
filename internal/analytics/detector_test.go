package analytics

import (
	"math"
	"testing"
)

func TestDetect_SpikeBelowDefaultThreshold(t *testing.T) {
	// Для 5 точек |z| генеральной совокупности не превышает sqrt(4) = 2
	readings := series("dev-1", "temperature", 10, 10, 10, 10, 100)

	if got := NewDetector(DefaultThresholds()).Detect(readings); len(got) != 0 {
		t.Fatalf("expected no anomalies at threshold 2.5, got %+v", got)
	}

	got := NewDetector(Thresholds{ZScore: 1.9, MinSamples: 3}).Detect(readings)
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly at threshold 1.9, got %d", len(got))
	}
	if got[0].Value != 100 {
		t.Errorf("flagged value = %v, want 100", got[0].Value)
	}
	if !almostEqual(got[0].ZScore, 2) {
		t.Errorf("z-score = %v, want 2", got[0].ZScore)
	}
}

func TestDetect_FlagsOutlier(t *testing.T) {
	values := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 100}
	readings := series("dev-1", "temperature", values...)

	got := NewDetector(DefaultThresholds()).Detect(readings)
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(got))
	}

	a := got[0]
	if a.Value != 100 || !almostEqual(a.ZScore, 3) {
		t.Errorf("anomaly = %+v, want value 100 z 3", a)
	}
	if a.DeviceID != "dev-1" || a.Metric != "temperature" {
		t.Errorf("anomaly key = %s/%s", a.DeviceID, a.Metric)
	}
	if !a.Timestamp.Equal(readings[9].Timestamp) {
		t.Errorf("timestamp = %v, want %v", a.Timestamp, readings[9].Timestamp)
	}
}

func TestDetect_FlagsHugeOutlier(t *testing.T) {
	values := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 1e155}
	readings := series("dev-1", "temperature", values...)

	got := NewDetector(DefaultThresholds()).Detect(readings)
	if len(got) != 1 {
		t.Fatalf("expected 1 anomaly, got %d", len(got))
	}
	if got[0].Value != 1e155 || !almostEqual(got[0].ZScore, 3) {
		t.Errorf("anomaly = %+v, want value 1e155 z 3", got[0])
	}
}

func TestDetect_NoAnomaliesInStableSeries(t *testing.T) {
	readings := series("dev-1", "temperature", 20.0, 22.0, 21.0)

	if got := NewDetector(DefaultThresholds()).Detect(readings); len(got) != 0 {
		t.Fatalf("expected no anomalies, got %+v", got)
	}

	w, err := Aggregate(readings, windowStart, windowEnd)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if w.Min != 20 || w.Max != 22 || !almostEqual(w.Mean, 21) {
		t.Errorf("window = %+v", w)
	}
}

func TestDetect_PreservesInputOrder(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		values[i] = 10
	}
	values[0] = 100
	values[19] = 100
	readings := series("dev-1", "pressure", values...)

	got := NewDetector(DefaultThresholds()).Detect(readings)
	if len(got) != 2 {
		t.Fatalf("expected 2 anomalies, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(readings[0].Timestamp) || !got[1].Timestamp.Equal(readings[19].Timestamp) {
		t.Errorf("anomalies out of input order: %v, %v", got[0].Timestamp, got[1].Timestamp)
	}
	for _, a := range got {
		if !almostEqual(a.ZScore, 3) {
			t.Errorf("z-score = %v, want 3", a.ZScore)
		}
	}
}

func TestDetect_SkipsDegenerateGroups(t *testing.T) {
	d := NewDetector(DefaultThresholds())

	tests := []struct {
		name   string
		values []float64
		reason string
	}{
		{"empty", nil, SkipEmpty},
		{"one point", []float64{1}, SkipInsufficientSamples},
		{"two points", []float64{1, 1000}, SkipInsufficientSamples},
		{"constant", []float64{5, 5, 5, 5}, SkipZeroVariance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anomalies, reason := d.inspect(series("d", "m", tt.values...))
			if len(anomalies) != 0 {
				t.Errorf("expected no anomalies, got %+v", anomalies)
			}
			if reason != tt.reason {
				t.Errorf("skip reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name    string
		t       Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"custom", Thresholds{ZScore: 3, MinSamples: 10}, false},
		{"zero z", Thresholds{ZScore: 0, MinSamples: 3}, true},
		{"negative z", Thresholds{ZScore: -1, MinSamples: 3}, true},
		{"nan z", Thresholds{ZScore: math.NaN(), MinSamples: 3}, true},
		{"inf z", Thresholds{ZScore: math.Inf(1), MinSamples: 3}, true},
		{"one sample", Thresholds{ZScore: 2.5, MinSamples: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.t.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
