package validator

import (
	"errors"
	"testing"

	"github.com/eddielth/shellyd/config"
	"github.com/eddielth/shellyd/transformer"
)

func TestRangeValidator(t *testing.T) {
	r := transformer.Reading{DeviceID: "A", TemperatureC: 21.5, HumidityPct: 40, BatteryV: 3.9, BatteryPct: 80}

	tests := []struct {
		name      string
		validator RangeValidator
		data      interface{}
		wantRange bool
		wantErr   bool
	}{
		{"json tag in range", RangeValidator{Field: "temperature", Min: -40, Max: 60}, r, false, false},
		{"go name in range", RangeValidator{Field: "HumidityPct", Min: 0, Max: 100}, &r, false, false},
		{"bounds inclusive", RangeValidator{Field: "capacity", Min: 80, Max: 80}, r, false, false},
		{"below", RangeValidator{Field: "voltage", Min: 4, Max: 5}, r, true, true},
		{"above", RangeValidator{Field: "temperature", Min: -40, Max: 20}, r, true, true},
		{"unknown field", RangeValidator{Field: "pressure", Min: 0, Max: 1}, r, false, true},
		{"not numeric", RangeValidator{Field: "id", Min: 0, Max: 1}, r, false, true},
		{"not a struct", RangeValidator{Field: "temperature", Min: 0, Max: 1}, 42, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.validator.Validate(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var re *RangeError
			if errors.As(err, &re) != tt.wantRange {
				t.Errorf("RangeError = %v, want %v", re, tt.wantRange)
			}
		})
	}
}

func TestFromRules(t *testing.T) {
	set, err := FromRules([]config.RangeRule{
		{Field: "temperature", Min: -40, Max: 60},
		{Field: "humidity", Min: 0, Max: 100},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 {
		t.Fatalf("len = %d", len(set))
	}

	ok := transformer.Reading{TemperatureC: 20, HumidityPct: 50}
	if err := set.Validate(ok); err != nil {
		t.Errorf("Validate: %v", err)
	}
	bad := transformer.Reading{TemperatureC: 20, HumidityPct: 120}
	var re *RangeError
	if err := set.Validate(bad); !errors.As(err, &re) || re.Field != "humidity" {
		t.Errorf("err = %v, want humidity RangeError", err)
	}

	if _, err := FromRules([]config.RangeRule{{Field: "x", Min: 2, Max: 1}}); err == nil {
		t.Error("expected error for inverted bounds")
	}
	if _, err := FromRules([]config.RangeRule{{Min: 0, Max: 1}}); err == nil {
		t.Error("expected error for missing field")
	}
}
