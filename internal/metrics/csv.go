package metrics

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"vpnpool/internal/model"
)

// WriteTrafficCSV writes traffic samples to CSV with a fixed column order.
func WriteTrafficCSV(w io.Writer, items []model.TrafficSample) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"date",
		"server_ip",
		"server_id",
		"interface",
		"baseline_rx",
		"current_rx",
		"rx_bytes",
		"baseline_tx",
		"current_tx",
		"tx_bytes",
		"updated_at",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, t := range items {
		record := []string{
			t.Date,
			t.PublicIP,
			strconv.FormatInt(t.ServerID, 10),
			t.Interface,
			strconv.FormatUint(t.BaselineRx, 10),
			strconv.FormatUint(t.CurrentRx, 10),
			strconv.FormatUint(t.RxDelta(), 10),
			strconv.FormatUint(t.BaselineTx, 10),
			strconv.FormatUint(t.CurrentTx, 10),
			strconv.FormatUint(t.TxDelta(), 10),
			t.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}
