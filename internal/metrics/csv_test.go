package metrics

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"vpnpool/internal/model"
)

func TestWriteTrafficCSV(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	err := WriteTrafficCSV(&buf, []model.TrafficSample{{
		ServerID:   3,
		PublicIP:   "203.0.113.10",
		Interface:  "eth0",
		Date:       "2026-10-19",
		BaselineRx: 100,
		CurrentRx:  350,
		BaselineTx: 7,
		CurrentTx:  9,
		UpdatedAt:  time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("WriteTrafficCSV: %v", err)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d", len(records))
	}
	row := records[1]
	if row[0] != "2026-10-19" || row[1] != "203.0.113.10" || row[6] != "250" || row[9] != "2" {
		t.Fatalf("row=%v", row)
	}
	if row[10] != "2026-10-19T12:00:00Z" {
		t.Fatalf("updated_at=%s", row[10])
	}
}
