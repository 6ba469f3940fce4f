package main

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlattenStatus(t *testing.T) {
	var status interface{}
	data := `{"ra":"12:30:00.00","bits":3,"manual":false,"links":{"status":"connected","move":"disconnected"},"received":null,"modes":["Guide Mode","Normal"]}`
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		t.Fatal(err)
	}
	got := make(map[string]interface{})
	flattenStatus(got, status, "")
	want := map[string]interface{}{
		"ra":           "12:30:00.00",
		"bits":         float64(3),
		"manual":       false,
		"links.status": "connected",
		"links.move":   "disconnected",
		"modes.0":      "Guide Mode",
		"modes.1":      "Normal",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flattenStatus: want(-)/got(+):\n%s", diff)
	}
}
